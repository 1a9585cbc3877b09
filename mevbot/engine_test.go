package mevbot

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mev-bot-framework/node/workqueue"
)

type fakeQueue struct {
	pushed   [][]byte
	highPrio []bool
	pushErr  error
}

func (q *fakeQueue) UpdateBlock(uint64) error { return nil }

func (q *fakeQueue) Push(_ context.Context, data []byte, highPriority bool, _, _ uint64) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, data)
	q.highPrio = append(q.highPrio, highPriority)
	return nil
}

func (q *fakeQueue) StartProcessLoop(context.Context, []workqueue.ProcessFunc) *sync.WaitGroup {
	return &sync.WaitGroup{}
}

type fakeStore struct {
	inserted []*Opportunity
	updated  map[uuid.UUID]*ExecutionResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{updated: make(map[uuid.UUID]*ExecutionResult)}
}

func (s *fakeStore) InsertOpportunity(_ context.Context, opp *Opportunity) error {
	s.inserted = append(s.inserted, opp)
	return nil
}

func (s *fakeStore) UpdateExecution(_ context.Context, id uuid.UUID, result *ExecutionResult) error {
	s.updated[id] = result
	return nil
}

type fakeExecutor struct {
	calls   int
	cancels int
	result  *ExecutionResult
	err     error
}

func (e *fakeExecutor) Execute(_ context.Context, _ *Opportunity, targetBlock uint64) (*ExecutionResult, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	result := *e.result
	result.TargetBlock = hexutil.Uint64(targetBlock)
	return &result, nil
}

func (e *fakeExecutor) Cancel(context.Context, *Opportunity) { e.cancels++ }

type fakeSeen struct {
	known     bool
	forgotten []uuid.UUID
}

func (s *fakeSeen) MarkSeen(_ context.Context, _ *Opportunity) (bool, error) {
	return s.known, nil
}

func (s *fakeSeen) Forget(_ context.Context, opp *Opportunity) error {
	s.forgotten = append(s.forgotten, opp.ID)
	return nil
}

type fixedBlock uint64

func (b fixedBlock) CurrentBlock() uint64 { return uint64(b) }

func reservesOutput(t *testing.T, r0, r1 *big.Int) []byte {
	t.Helper()
	out, err := pairABI.Methods["getReserves"].Outputs.Pack(r0, r1, uint32(0))
	require.NoError(t, err)
	return out
}

// engineEnv wires an Engine against fakes, with reserves per pool address.
func engineEnv(t *testing.T, reserves map[common.Address][]byte, executor *fakeExecutor) (*Engine, *fakeQueue, *fakeStore) {
	t.Helper()
	pair := testPair()
	strategies := &Strategies{
		Pools: map[common.Address]*Pool{
			pair.PoolA.Address: pair.PoolA,
			pair.PoolB.Address: pair.PoolB,
		},
		ArbPairs: []ArbPair{pair},
	}
	queue := &fakeQueue{}
	store := newFakeStore()
	loader := NewReserveLoader(&fakeCaller{responses: reserves}, time.Millisecond)
	engine := NewEngine(zap.NewNop().Sugar(), queue, store, nil, NopEventPublisher{},
		executor, NewParams(big.NewInt(1), false), fixedBlock(1000), loader, strategies, nil)
	return engine, queue, store
}

func skewedReserves(t *testing.T) map[common.Address][]byte {
	t.Helper()
	pair := testPair()
	return map[common.Address][]byte{
		pair.PoolA.Address: reservesOutput(t, eth(100), eth(220000)),
		pair.PoolB.Address: reservesOutput(t, eth(100), eth(180000)),
	}
}

func discoveredArb(t *testing.T) *Opportunity {
	t.Helper()
	pair := testPair()
	plan := FindPairArbitrage(pair,
		Reserves{Reserve0: eth(100), Reserve1: eth(220000)},
		Reserves{Reserve0: eth(100), Reserve1: eth(180000)}, nil)
	require.NotNil(t, plan)
	return NewArbitrageOpportunity(plan, 1000)
}

func TestEngineSubmit(t *testing.T) {
	engine, queue, store := engineEnv(t, skewedReserves(t), &fakeExecutor{})
	opp := discoveredArb(t)

	require.NoError(t, engine.Submit(context.Background(), opp, true))
	require.Len(t, store.inserted, 1)
	require.Len(t, queue.pushed, 1)
	require.True(t, queue.highPrio[0])

	var queued Opportunity
	require.NoError(t, json.Unmarshal(queue.pushed[0], &queued))
	require.Equal(t, opp.ID, queued.ID)
	require.Equal(t, KindArbitrage, queued.Kind)
}

func TestEngineSubmitQueueFull(t *testing.T) {
	engine, queue, _ := engineEnv(t, skewedReserves(t), &fakeExecutor{})
	queue.pushErr = workqueue.ErrQueueFull

	err := engine.Submit(context.Background(), discoveredArb(t), false)
	require.ErrorIs(t, err, workqueue.ErrQueueFull)
}

func TestEngineProcessExecutes(t *testing.T) {
	executor := &fakeExecutor{result: &ExecutionResult{Success: true}}
	engine, _, store := engineEnv(t, skewedReserves(t), executor)
	opp := discoveredArb(t)

	data, err := json.Marshal(opp)
	require.NoError(t, err)
	require.NoError(t, engine.Process(context.Background(), data, workqueue.ItemInfo{}))

	require.Equal(t, 1, executor.calls)
	result, ok := store.updated[opp.ID]
	require.True(t, ok)
	require.True(t, result.Success)
	require.EqualValues(t, 1001, result.TargetBlock)
}

func TestEngineProcessStaleOpportunity(t *testing.T) {
	// pools converged after discovery, the stored sizing no longer profits
	pair := testPair()
	balanced := map[common.Address][]byte{
		pair.PoolA.Address: reservesOutput(t, eth(100), eth(200000)),
		pair.PoolB.Address: reservesOutput(t, eth(100), eth(200000)),
	}
	executor := &fakeExecutor{result: &ExecutionResult{Success: true}}
	engine, _, store := engineEnv(t, balanced, executor)
	opp := discoveredArb(t)

	data, err := json.Marshal(opp)
	require.NoError(t, err)
	require.NoError(t, engine.Process(context.Background(), data, workqueue.ItemInfo{}))

	require.Zero(t, executor.calls)
	require.Empty(t, store.updated)
	require.Zero(t, executor.cancels)

	// a retried item may have already left a bundle at the relays
	require.NoError(t, engine.Process(context.Background(), data, workqueue.ItemInfo{Retries: 1}))
	require.Equal(t, 1, executor.cancels)
}

func TestEngineSubmitDeduped(t *testing.T) {
	engine, queue, store := engineEnv(t, skewedReserves(t), &fakeExecutor{})
	engine.seen = &fakeSeen{known: true}

	require.NoError(t, engine.Submit(context.Background(), discoveredArb(t), false))
	require.Empty(t, store.inserted)
	require.Empty(t, queue.pushed)
}

func TestEngineProcessStaleReleasesDedupe(t *testing.T) {
	engine, _, _ := engineEnv(t, balancedReserves(t), &fakeExecutor{})
	seen := &fakeSeen{}
	engine.seen = seen
	opp := discoveredArb(t)

	data, err := json.Marshal(opp)
	require.NoError(t, err)
	require.NoError(t, engine.Process(context.Background(), data, workqueue.ItemInfo{}))
	require.Equal(t, []uuid.UUID{opp.ID}, seen.forgotten)
}

func TestEngineProcessForgetsAtWindowEnd(t *testing.T) {
	// target block 1001 equals MaxTargetBlock, the queue drops the item
	// after this attempt
	windowClosing := func(t *testing.T) []byte {
		t.Helper()
		opp := discoveredArb(t)
		opp.MaxTargetBlock = 1001
		data, err := json.Marshal(opp)
		require.NoError(t, err)
		return data
	}

	t.Run("executor error", func(t *testing.T) {
		engine, _, _ := engineEnv(t, skewedReserves(t), &fakeExecutor{err: errors.New("nonce fetch failed")})
		seen := &fakeSeen{}
		engine.seen = seen

		err := engine.Process(context.Background(), windowClosing(t), workqueue.ItemInfo{})
		require.ErrorIs(t, err, workqueue.ErrProcessWorkerError)
		require.Len(t, seen.forgotten, 1)
	})

	t.Run("rejected", func(t *testing.T) {
		engine, _, _ := engineEnv(t, skewedReserves(t),
			&fakeExecutor{result: &ExecutionResult{Success: false, Error: "bundle rejected"}})
		seen := &fakeSeen{}
		engine.seen = seen

		err := engine.Process(context.Background(), windowClosing(t), workqueue.ItemInfo{})
		require.ErrorIs(t, err, workqueue.ErrProcessScheduleNextBlock)
		require.Len(t, seen.forgotten, 1)
	})

	t.Run("window still open", func(t *testing.T) {
		engine, _, _ := engineEnv(t, skewedReserves(t), &fakeExecutor{err: errors.New("nonce fetch failed")})
		seen := &fakeSeen{}
		engine.seen = seen

		data, err := json.Marshal(discoveredArb(t))
		require.NoError(t, err)
		err = engine.Process(context.Background(), data, workqueue.ItemInfo{})
		require.ErrorIs(t, err, workqueue.ErrProcessWorkerError)
		require.Empty(t, seen.forgotten)
	})
}

func TestEngineProcessRejectedRetriesNextBlock(t *testing.T) {
	executor := &fakeExecutor{result: &ExecutionResult{Success: false, Error: "bundle rejected"}}
	engine, _, store := engineEnv(t, skewedReserves(t), executor)
	opp := discoveredArb(t)

	data, err := json.Marshal(opp)
	require.NoError(t, err)
	err = engine.Process(context.Background(), data, workqueue.ItemInfo{})
	require.ErrorIs(t, err, workqueue.ErrProcessScheduleNextBlock)

	// the rejection is still recorded
	result, ok := store.updated[opp.ID]
	require.True(t, ok)
	require.False(t, result.Success)
}

func TestEngineProcessExecutorError(t *testing.T) {
	executor := &fakeExecutor{err: errors.New("nonce fetch failed")}
	engine, _, _ := engineEnv(t, skewedReserves(t), executor)

	data, err := json.Marshal(discoveredArb(t))
	require.NoError(t, err)
	err = engine.Process(context.Background(), data, workqueue.ItemInfo{})
	require.ErrorIs(t, err, workqueue.ErrProcessWorkerError)
}

func TestEngineProcessGarbageDropped(t *testing.T) {
	engine, _, _ := engineEnv(t, skewedReserves(t), &fakeExecutor{})

	err := engine.Process(context.Background(), []byte("not json"), workqueue.ItemInfo{})
	require.ErrorIs(t, err, workqueue.ErrProcessUnrecoverable)
}

func TestEngineProcessPaused(t *testing.T) {
	executor := &fakeExecutor{result: &ExecutionResult{Success: true}}
	engine, _, _ := engineEnv(t, skewedReserves(t), executor)
	engine.params.SetPaused(true)

	data, err := json.Marshal(discoveredArb(t))
	require.NoError(t, err)
	err = engine.Process(context.Background(), data, workqueue.ItemInfo{})
	require.ErrorIs(t, err, workqueue.ErrProcessScheduleNextBlock)
	require.Zero(t, executor.calls)
}
