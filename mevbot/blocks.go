package mevbot

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/mev-bot-framework/node/metrics"
	"github.com/mev-bot-framework/node/workqueue"
)

// HeadSubscriber is the slice of the eth client the block watcher needs.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// BlockNumberSink receives monotonically increasing block numbers.
type BlockNumberSink interface {
	UpdateBlock(block uint64) error
}

// BlockWatcher follows chain heads over a websocket subscription, advancing
// the work queue's block clock and invalidating per-block caches. The
// subscription is re-established with backoff when it drops.
type BlockWatcher struct {
	log      *zap.SugaredLogger
	client   HeadSubscriber
	queue    BlockNumberSink
	reserves *ReserveLoader

	current atomic.Uint64
}

func NewBlockWatcher(log *zap.SugaredLogger, client HeadSubscriber, queue BlockNumberSink, reserves *ReserveLoader) *BlockWatcher {
	return &BlockWatcher{
		log:      log.With("component", "blocks"),
		client:   client,
		queue:    queue,
		reserves: reserves,
	}
}

// CurrentBlock returns the latest head seen, zero before the first head.
func (w *BlockWatcher) CurrentBlock() uint64 {
	return w.current.Load()
}

// Run blocks until ctx is cancelled.
func (w *BlockWatcher) Run(ctx context.Context) {
	for {
		err := w.watch(ctx)
		if ctx.Err() != nil {
			w.log.Info("block watcher stopped")
			return
		}
		w.log.Warnw("head subscription dropped, resubscribing", "error", err)
	}
}

func (w *BlockWatcher) watch(ctx context.Context) error {
	heads := make(chan *types.Header)
	var sub ethereum.Subscription
	err := backoff.Retry(func() error {
		var err error
		sub, err = w.client.SubscribeNewHead(ctx, heads)
		if err != nil {
			w.log.Warnw("head subscribe failed", "error", err)
		}
		return err
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case head := <-heads:
			w.onHead(head)
		}
	}
}

func (w *BlockWatcher) onHead(head *types.Header) {
	block := head.Number.Uint64()
	metrics.IncBlocksSeen()

	prev := w.current.Load()
	if block <= prev {
		// reorg or duplicate head, the queue clock only moves forward
		w.log.Debugw("ignoring non-advancing head", "block", block, "have", prev)
		return
	}
	w.current.Store(block)

	if w.reserves != nil {
		w.reserves.FlushOnBlock()
	}
	if w.queue != nil {
		if err := w.queue.UpdateBlock(block); err != nil && !errors.Is(err, workqueue.ErrBlockWentBackwards) {
			w.log.Errorw("queue block update failed", "block", block, "error", err)
		}
	}
	w.log.Debugw("new head", "block", block, "time", time.Unix(int64(head.Time), 0))
}
