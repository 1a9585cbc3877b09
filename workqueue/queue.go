// Package workqueue is a block-scheduled priority queue backed by redis.
//
// Items are stored in one sorted set, scored by the earliest block at which
// they become processable. The queue must be fed the current chain head with
// UpdateBlock; it never advances the block cursor on its own.
//
// Submission:
//  1. Push an item with its target block window [minTargetBlock, maxTargetBlock]
//     and a priority flag.
//  2. Items whose window is already behind the chain head are rejected with
//     ErrStaleItem. A full queue rejects with ErrQueueFull.
//
// Processing:
//  1. StartProcessLoop spawns one goroutine per ProcessFunc. Each worker pops
//     the item with the lowest score. Ties are broken lexicographically by the
//     packed payload: high priority first, then fewer attempts, then earlier
//     submission, then smaller max target block.
//  2. An item popped before its window opens is pushed back. An item popped
//     after its window closed is dropped.
//  3. ProcessFunc signals the outcome through sentinel errors:
//     ErrProcessScheduleNextBlock requeues the item for the following block,
//     ErrProcessWorkerError requeues it for the same block (another worker
//     will pick it up), ErrProcessUnrecoverable drops it. Requeues are
//     bounded by MaxRetries and retried with exponential backoff so a flaky
//     redis connection does not lose items.
//
// Shutdown: cancel the context given to StartProcessLoop and wait on the
// returned WaitGroup. A worker never holds more than the one item it is
// processing, which bounds possible loss on a crash to the worker count.
package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrBlockWentBackwards = errors.New("block number is lower than the current one")
	ErrStaleItem          = errors.New("item target window is in the past")
	ErrQueueFull          = errors.New("queue is full")
	ErrMaxRetriesReached  = errors.New("max retries reached")
	ErrNoNextBlock        = errors.New("no next block inside the item target window")
	ErrRequeueFailed      = errors.New("item requeue failed")
)

// Sentinel errors understood by the process loop, returned from ProcessFunc.
var (
	// ErrProcessScheduleNextBlock retries the item on the next block.
	ErrProcessScheduleNextBlock = errors.New("schedule item for the next block")
	// ErrProcessWorkerError retries the item on the same block, most likely on another worker.
	ErrProcessWorkerError = errors.New("worker error, retry on another worker")
	// ErrProcessUnrecoverable drops the item.
	ErrProcessUnrecoverable = errors.New("unrecoverable error, drop item")
)

// ItemInfo carries queue bookkeeping into ProcessFunc.
type ItemInfo struct {
	// Retries is the number of times this item was requeued after a failure.
	Retries int
}

type ProcessFunc func(ctx context.Context, data []byte, info ItemInfo) error

type Queue interface {
	UpdateBlock(block uint64) error
	Push(ctx context.Context, data []byte, highPriority bool, minTargetBlock, maxTargetBlock uint64) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type Config struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	WorkerTimeout          time.Duration
}

var DefaultConfig = Config{
	MaxRetries:             30,
	MaxQueuedItemsLowPrio:  1024,
	MaxQueuedItemsHighPrio: 2048,
	WorkerTimeout:          4 * time.Second,
}

type RedisQueue struct {
	log          *zap.Logger
	red          *redis.Client
	currentBlock *uint64
	queueName    string

	Config Config
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string) *RedisQueue {
	currentBlock := uint64(0)
	log = log.With(zap.String("queue", queueName))
	return &RedisQueue{
		log:          log,
		red:          red,
		currentBlock: &currentBlock,
		queueName:    queueName,
		Config:       DefaultConfig,
	}
}

func (s *RedisQueue) UpdateBlock(block uint64) error {
	current := atomic.LoadUint64(s.currentBlock)
	if current == block {
		return nil
	}
	if current > block {
		return ErrBlockWentBackwards
	}
	atomic.StoreUint64(s.currentBlock, block)
	return nil
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, highPriority bool, minTargetBlock, maxTargetBlock uint64) error {
	currentBlock := atomic.LoadUint64(s.currentBlock)

	if maxTargetBlock <= currentBlock {
		s.log.Debug("max target block is behind the chain head, skipping",
			zap.Uint64("max_target_block", maxTargetBlock), zap.Uint64("current_block", currentBlock))
		return ErrStaleItem
	}

	// the earliest processable block is the next one
	if nextBlock := currentBlock + 1; minTargetBlock < nextBlock {
		minTargetBlock = nextBlock
	}

	args := packArgs{
		data:           data,
		minTargetBlock: minTargetBlock,
		maxTargetBlock: maxTargetBlock,
		highPriority:   highPriority,
		timestamp:      time.Now(),
		attempt:        0,
	}
	err := s.pushToQueue(ctx, args)
	if err != nil {
		return err
	}
	s.log.Debug("pushed to queue",
		zap.Uint64("min_target_block", minTargetBlock),
		zap.Uint64("max_target_block", maxTargetBlock),
		zap.Bool("high_priority", highPriority))
	return nil
}

func (s *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	threshold := s.Config.MaxQueuedItemsLowPrio
	if args.highPriority {
		threshold = s.Config.MaxQueuedItemsHighPrio
	}
	if queued >= threshold {
		s.log.Error("too many unprocessed items in the queue",
			zap.Uint64("queued", queued), zap.Uint64("max_queued_items", threshold))
		return ErrQueueFull
	}

	score, redisData := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: redisData}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue blocks for up to one second waiting for an item.
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	// 1 second is the minimal timeout redis accepts here
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return packArgs{}, err
		}
		s.log.Error("failed to pop from queue", zap.Error(err))
		return packArgs{}, err
	}

	redisData, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, err
	}

	args, err := unpackData(value.Score, []byte(redisData))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// items must not be lost, so requeues are retried with backoff
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	nextBlock := atomic.LoadUint64(s.currentBlock) + 1

	// too early to process, requeue
	if nextBlock < args.minTargetBlock {
		return s.retryItem(ctx, args, false, false, back)
	}

	// behind schedule: drop if the window closed, otherwise catch up
	if nextBlock > args.minTargetBlock {
		if nextBlock > args.maxTargetBlock {
			s.log.Debug("skipping stale item",
				zap.Uint64("next_block", nextBlock),
				zap.Uint64("min_target_block", args.minTargetBlock),
				zap.Uint64("max_target_block", args.maxTargetBlock))
			return nil
		}

		args.minTargetBlock = nextBlock
		return s.retryItem(ctx, args, false, false, back)
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.Config.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, args.data, ItemInfo{Retries: int(args.attempt)})

	switch {
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Debug("dropping unprocessable item", zap.Uint16("attempt", args.attempt))
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("attempt", args.attempt))
		if err := s.retryItem(ctx, args, true, false, back); err != nil {
			return err
		}
	case errors.Is(err, ErrProcessScheduleNextBlock):
		s.log.Debug("worker attempt failed, scheduled for the next block",
			zap.Error(err),
			zap.Uint64("next_block", nextBlock),
			zap.Uint64("min_target_block", args.minTargetBlock),
			zap.Uint64("max_target_block", args.maxTargetBlock),
		)
		if err := s.retryItem(ctx, args, true, true, back); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	timeInQueue := time.Since(args.timestamp)
	s.log.Debug("processed queue item", zap.Uint16("attempt", args.attempt), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

// StartProcessLoop spawns one goroutine per worker and returns a WaitGroup
// for graceful shutdown. Cancel ctx to stop the workers.
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrAttempt, incrBlock bool, back backoff.BackOff) error {
	if args.attempt >= s.Config.MaxRetries {
		return ErrMaxRetriesReached
	}

	if incrAttempt {
		args.attempt++
	}
	if incrBlock {
		if args.minTargetBlock >= args.maxTargetBlock {
			return ErrNoNextBlock
		}
		args.minTargetBlock++
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueue removes all queued items. Slow, test use only.
func (s *RedisQueue) CleanQueue(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
