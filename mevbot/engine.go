package mevbot

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mev-bot-framework/node/metrics"
	"github.com/mev-bot-framework/node/workqueue"
)

// OpportunityStore persists opportunities and execution outcomes.
type OpportunityStore interface {
	InsertOpportunity(ctx context.Context, opp *Opportunity) error
	UpdateExecution(ctx context.Context, id uuid.UUID, result *ExecutionResult) error
}

// OpportunityDeduper suppresses resubmission of an opportunity the pipeline
// already holds, and releases it once the engine abandons the attempt.
type OpportunityDeduper interface {
	MarkSeen(ctx context.Context, opp *Opportunity) (bool, error)
	Forget(ctx context.Context, opp *Opportunity) error
}

// OpportunityExecutor lands an opportunity on chain. Cancel withdraws a
// bundle a prior attempt may have submitted.
type OpportunityExecutor interface {
	Execute(ctx context.Context, opp *Opportunity, targetBlock uint64) (*ExecutionResult, error)
	Cancel(ctx context.Context, opp *Opportunity)
}

// Engine is the pipeline between discovery and execution. Watchers and
// scanners Submit opportunities; queue workers call Process, which
// re-evaluates each one against fresh pool state before spending gas on it.
type Engine struct {
	log      *zap.SugaredLogger
	queue    workqueue.Queue
	store    OpportunityStore
	seen     OpportunityDeduper
	events   EventPublisher
	executor OpportunityExecutor
	params   *Params
	blocks   BlockSource
	reserves *ReserveLoader
	strategy *Strategies

	// nil when liquidations are disabled
	liquidations *LiquidationScanner
}

func NewEngine(log *zap.SugaredLogger, queue workqueue.Queue, store OpportunityStore, seen OpportunityDeduper, events EventPublisher, executor OpportunityExecutor, params *Params, blocks BlockSource, reserves *ReserveLoader, strategy *Strategies, liquidations *LiquidationScanner) *Engine {
	return &Engine{
		log:          log.With("component", "engine"),
		queue:        queue,
		store:        store,
		seen:         seen,
		events:       events,
		executor:     executor,
		params:       params,
		blocks:       blocks,
		reserves:     reserves,
		strategy:     strategy,
		liquidations: liquidations,
	}
}

// Submit deduplicates, persists and queues a discovered opportunity.
func (e *Engine) Submit(ctx context.Context, opp *Opportunity, highPriority bool) error {
	if e.seen != nil {
		known, err := e.seen.MarkSeen(ctx, opp)
		if err != nil {
			e.log.Warnw("seen cache unavailable", "error", err)
		} else if known {
			return nil
		}
	}

	if err := e.store.InsertOpportunity(ctx, opp); err != nil {
		// storage is not on the hot path, the opportunity still runs
		e.log.Errorw("opportunity insert failed", "id", opp.ID, "error", err)
	}

	data, err := json.Marshal(opp)
	if err != nil {
		return err
	}
	err = e.queue.Push(ctx, data, highPriority, uint64(opp.TargetBlock), uint64(opp.MaxTargetBlock))
	if err != nil {
		if errors.Is(err, workqueue.ErrQueueFull) {
			metrics.IncQueueFull()
		}
		return err
	}

	_ = e.events.Publish(ctx, Event{Type: EventOpportunityFound, Opportunity: opp})
	return nil
}

// Process is the queue worker body.
func (e *Engine) Process(ctx context.Context, data []byte, info workqueue.ItemInfo) error {
	start := time.Now()

	var opp Opportunity
	if err := json.Unmarshal(data, &opp); err != nil {
		e.log.Errorw("undecodable queue item", "error", err)
		return errors.Join(workqueue.ErrProcessUnrecoverable, err)
	}
	// FoundAt is unix micro, the summary is in milliseconds
	metrics.RecordOpportunityQueueDuration((start.UnixMicro() - int64(opp.FoundAt)) / 1000)

	if e.params.Paused() {
		return workqueue.ErrProcessScheduleNextBlock
	}

	ok, err := e.stillProfitable(ctx, &opp)
	if err != nil {
		e.log.Warnw("opportunity re-evaluation failed", "id", opp.ID, "error", err)
		return errors.Join(workqueue.ErrProcessWorkerError, err)
	}
	if !ok {
		metrics.IncOpportunityStale()
		e.log.Infow("opportunity gone stale", "id", opp.ID, "kind", opp.Kind, "retries", info.Retries)
		if info.Retries > 0 {
			// a prior attempt may have left a bundle at the relays
			e.executor.Cancel(ctx, &opp)
		}
		// let the next scan rediscover it if prices diverge again
		e.forget(ctx, &opp)
		return nil
	}

	targetBlock := e.blocks.CurrentBlock() + 1
	result, err := e.executor.Execute(ctx, &opp, targetBlock)
	metrics.RecordOpportunityProcessDuration(time.Since(start).Milliseconds())
	if err != nil {
		metrics.IncExecutionFailure()
		e.log.Errorw("execution errored", "id", opp.ID, "kind", opp.Kind, "error", err)
		if targetBlock >= uint64(opp.MaxTargetBlock) {
			// last shot at the window, unblock rediscovery
			e.forget(ctx, &opp)
		}
		return errors.Join(workqueue.ErrProcessWorkerError, err)
	}

	if updateErr := e.store.UpdateExecution(ctx, opp.ID, result); updateErr != nil {
		e.log.Errorw("execution record failed", "id", opp.ID, "error", updateErr)
	}

	if !result.Success {
		metrics.IncExecutionFailure()
		_ = e.events.Publish(ctx, Event{Type: EventExecutionFailed, Opportunity: &opp, Result: result})
		e.log.Warnw("execution rejected", "id", opp.ID, "kind", opp.Kind, "error", result.Error)
		if targetBlock >= uint64(opp.MaxTargetBlock) {
			// the queue drops the item after this attempt
			e.forget(ctx, &opp)
		}
		// the window may still be open on a later block
		return workqueue.ErrProcessScheduleNextBlock
	}

	metrics.IncOpportunityExecuted(opp.Kind.String())
	if opp.ProfitEstimate != nil && !result.DryRun {
		metrics.AddProfit(opp.Kind.String(), weiToEthFloat(opp.ProfitEstimate.ToInt()))
	}
	_ = e.events.Publish(ctx, Event{Type: EventOpportunityExecuted, Opportunity: &opp, Result: result})
	e.log.Infow("opportunity executed",
		"id", opp.ID,
		"kind", opp.Kind,
		"targetBlock", targetBlock,
		"profit", FormatEther(opp.ProfitEstimate.ToInt()),
		"dryRun", result.DryRun,
		"relays", result.Relays)
	return nil
}

// forget releases the dedupe key so scanners may resubmit the opportunity.
func (e *Engine) forget(ctx context.Context, opp *Opportunity) {
	if e.seen == nil {
		return
	}
	if err := e.seen.Forget(ctx, opp); err != nil {
		e.log.Warnw("seen cache forget failed", "id", opp.ID, "error", err)
	}
}

// weiToEthFloat is lossy and only feeds metrics, accounting stays on big.Int.
func weiToEthFloat(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}

// stillProfitable re-checks an opportunity against current chain state. Pool
// reserves move between discovery and processing, so the stored sizing is
// re-quoted rather than trusted.
func (e *Engine) stillProfitable(ctx context.Context, opp *Opportunity) (bool, error) {
	minProfit := e.params.MinProfitWei()
	switch opp.Kind {
	case KindArbitrage:
		if opp.Arbitrage == nil {
			return false, nil
		}
		profit, err := e.requoteArbitrage(ctx, opp.Arbitrage, nil)
		if err != nil {
			return false, err
		}
		return profit.Cmp(minProfit) >= 0, nil
	case KindBackrun:
		if opp.Backrun == nil {
			return false, nil
		}
		profit, err := e.requoteArbitrage(ctx, &opp.Backrun.Arbitrage, opp.Backrun)
		if err != nil {
			return false, err
		}
		return profit.Cmp(minProfit) >= 0, nil
	case KindLiquidation:
		if opp.Liquidation == nil || e.liquidations == nil {
			return false, nil
		}
		health, err := e.liquidations.AccountHealth(ctx, opp.Liquidation.Borrower)
		if err != nil {
			return false, err
		}
		return health.Liquidatable(), nil
	default:
		return false, nil
	}
}

// requoteArbitrage prices the stored cycle input against fresh reserves.
// For a backrun the target swap is projected through its pool first.
func (e *Engine) requoteArbitrage(ctx context.Context, detail *ArbitrageDetail, backrun *BackrunDetail) (*big.Int, error) {
	resBuy, err := e.reserves.Reserves(ctx, detail.PoolBuy)
	if err != nil {
		return nil, err
	}
	resSell, err := e.reserves.Reserves(ctx, detail.PoolSell)
	if err != nil {
		return nil, err
	}
	buyPool := e.strategy.Pools[detail.PoolBuy]
	sellPool := e.strategy.Pools[detail.PoolSell]
	if buyPool == nil || sellPool == nil {
		return nil, ErrUnknownKind
	}

	if backrun != nil {
		// the victim's pool is usually the one the cycle sells into
		targetPool, projected := buyPool, &resBuy
		if backrun.TargetPool == detail.PoolSell {
			targetPool, projected = sellPool, &resSell
		}
		zeroForOne := backrun.TargetTokenIn == targetPool.Token0
		*projected = ApplySwap(*projected, backrun.TargetAmountIn.ToInt(), zeroForOne, feeFromBps(targetPool.FeeBps))
	}

	aIn, aOut := resBuy.oriented(true)
	bIn, bOut := resSell.oriented(false)
	x := detail.AmountIn.ToInt()
	_, out := cycleOutput(x, aIn, aOut, bIn, bOut, feeFromBps(buyPool.FeeBps), feeFromBps(sellPool.FeeBps))
	return out.Sub(out, x), nil
}
