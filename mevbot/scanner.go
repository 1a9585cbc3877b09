package mevbot

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mev-bot-framework/node/metrics"
)

const arbitrageGasEstimate = 330_000

// NewArbitrageOpportunity wraps a sized plan for the pipeline.
func NewArbitrageOpportunity(plan *ArbPlan, block uint64) *Opportunity {
	return &Opportunity{
		ID:             uuid.New(),
		Kind:           KindArbitrage,
		FoundBlock:     hexutil.Uint64(block),
		TargetBlock:    hexutil.Uint64(block + 1),
		MaxTargetBlock: hexutil.Uint64(block + 2),
		ProfitEstimate: (*hexutil.Big)(plan.Profit),
		GasEstimate:    hexutil.Uint64(arbitrageGasEstimate),
		FoundAt:        hexutil.Uint64(time.Now().UnixMicro()),
		Arbitrage: &ArbitrageDetail{
			TokenIn:     plan.TokenIn(),
			TokenOut:    plan.TokenOut(),
			PoolBuy:     plan.PoolBuy.Address,
			PoolSell:    plan.PoolSell.Address,
			Route:       []string{plan.PoolBuy.Name, plan.PoolSell.Name},
			AmountIn:    (*hexutil.Big)(plan.AmountIn),
			MidOut:      (*hexutil.Big)(plan.MidOut),
			ExpectedOut: (*hexutil.Big)(plan.ExpectedOut),
		},
	}
}

// Submitter accepts discovered opportunities into the pipeline.
type Submitter interface {
	Submit(ctx context.Context, opp *Opportunity, highPriority bool) error
}

// BlockSource reports the latest known block number.
type BlockSource interface {
	CurrentBlock() uint64
}

// Scanner drives the periodic strategies: it prices every configured
// arbitrage pair on a fixed interval and, on each interval while a
// liquidation scanner is configured, checks watched borrowers.
type Scanner struct {
	log        *zap.SugaredLogger
	strategies *Strategies
	params     *Params
	reserves   *ReserveLoader
	blocks     BlockSource
	submitter  Submitter

	// nil when liquidations are disabled
	liquidations *LiquidationScanner
}

func NewScanner(log *zap.SugaredLogger, strategies *Strategies, params *Params, reserves *ReserveLoader, blocks BlockSource, submitter Submitter, liquidations *LiquidationScanner) *Scanner {
	return &Scanner{
		log:          log.With("component", "scanner"),
		strategies:   strategies,
		params:       params,
		reserves:     reserves,
		blocks:       blocks,
		submitter:    submitter,
		liquidations: liquidations,
	}
}

// Run loops until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	interval := s.strategies.ArbScanInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	s.log.Infow("scanner started", "interval", interval, "pairs", len(s.strategies.ArbPairs))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	if s.params.Paused() {
		return
	}
	block := s.blocks.CurrentBlock()
	if block == 0 {
		// no head seen yet
		return
	}
	if s.strategies.ArbEnabled {
		s.scanArbitrage(ctx, block)
	}
	if s.liquidations != nil {
		for _, opp := range s.liquidations.Scan(ctx, block) {
			s.submit(ctx, opp, true)
		}
	}
}

func (s *Scanner) scanArbitrage(ctx context.Context, block uint64) {
	minProfit := s.params.MinProfitWei()
	for _, pair := range s.strategies.ArbPairs {
		resA, err := s.reserves.Reserves(ctx, pair.PoolA.Address)
		if err != nil {
			s.log.Warnw("reserve fetch failed", "pool", pair.PoolA.Name, "error", err)
			continue
		}
		resB, err := s.reserves.Reserves(ctx, pair.PoolB.Address)
		if err != nil {
			s.log.Warnw("reserve fetch failed", "pool", pair.PoolB.Name, "error", err)
			continue
		}

		plan := FindPairArbitrage(pair, resA, resB, s.strategies.ArbMaxInputWei)
		if plan == nil {
			continue
		}
		if plan.Profit.Cmp(minProfit) < 0 {
			s.log.Debugw("arbitrage below min profit",
				"pair", pair.PoolA.Name+"/"+pair.PoolB.Name,
				"profit", FormatEther(plan.Profit))
			continue
		}
		s.log.Infow("arbitrage found",
			"buy", plan.PoolBuy.Name,
			"sell", plan.PoolSell.Name,
			"amountIn", FormatEther(plan.AmountIn),
			"profit", FormatEther(plan.Profit))
		s.submit(ctx, NewArbitrageOpportunity(plan, block), false)
	}
}

func (s *Scanner) submit(ctx context.Context, opp *Opportunity, highPriority bool) {
	metrics.IncOpportunityFound(opp.Kind.String())
	if err := s.submitter.Submit(ctx, opp, highPriority); err != nil {
		s.log.Errorw("opportunity submit failed", "kind", opp.Kind, "error", err)
	}
}
