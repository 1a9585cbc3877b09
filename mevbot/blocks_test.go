package mevbot

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mev-bot-framework/node/workqueue"
)

type fakeBlockSink struct {
	updates []uint64
	err     error
}

func (s *fakeBlockSink) UpdateBlock(block uint64) error {
	s.updates = append(s.updates, block)
	return s.err
}

type fakeHeadSub struct {
	errs chan error
}

func (s *fakeHeadSub) Unsubscribe()      { close(s.errs) }
func (s *fakeHeadSub) Err() <-chan error { return s.errs }

type fakeHeadSubscriber struct {
	heads chan *types.Header
}

func (c *fakeHeadSubscriber) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	go func() {
		for head := range c.heads {
			ch <- head
		}
	}()
	return &fakeHeadSub{errs: make(chan error)}, nil
}

func head(n uint64) *types.Header {
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: 1700000000}
}

func TestBlockWatcherAdvancesClock(t *testing.T) {
	sink := &fakeBlockSink{}
	watcher := NewBlockWatcher(zap.NewNop().Sugar(), nil, sink, nil)
	require.Zero(t, watcher.CurrentBlock())

	watcher.onHead(head(100))
	watcher.onHead(head(101))

	require.EqualValues(t, 101, watcher.CurrentBlock())
	require.Equal(t, []uint64{100, 101}, sink.updates)
}

func TestBlockWatcherIgnoresNonAdvancingHead(t *testing.T) {
	sink := &fakeBlockSink{}
	watcher := NewBlockWatcher(zap.NewNop().Sugar(), nil, sink, nil)

	watcher.onHead(head(100))
	// duplicate and reorged heads must not rewind the queue clock
	watcher.onHead(head(100))
	watcher.onHead(head(99))

	require.EqualValues(t, 100, watcher.CurrentBlock())
	require.Equal(t, []uint64{100}, sink.updates)
}

func TestBlockWatcherToleratesBackwardsQueue(t *testing.T) {
	sink := &fakeBlockSink{err: workqueue.ErrBlockWentBackwards}
	watcher := NewBlockWatcher(zap.NewNop().Sugar(), nil, sink, nil)

	watcher.onHead(head(100))
	watcher.onHead(head(101))

	require.EqualValues(t, 101, watcher.CurrentBlock())
}

func TestBlockWatcherRun(t *testing.T) {
	client := &fakeHeadSubscriber{heads: make(chan *types.Header)}
	sink := &fakeBlockSink{}
	watcher := NewBlockWatcher(zap.NewNop().Sugar(), client, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	client.heads <- head(500)
	require.Eventually(t, func() bool {
		return watcher.CurrentBlock() == 500
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
	close(client.heads)
}