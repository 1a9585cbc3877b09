package mevbot

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mev-bot-framework/node/metrics"
)

// PendingTxSubscriber is the slice of the geth client the mempool watcher
// needs. Requires a websocket connection to a node exposing the full pending
// transaction stream.
type PendingTxSubscriber interface {
	SubscribeFullPendingTransactions(ctx context.Context, ch chan<- *types.Transaction) (*rpc.ClientSubscription, error)
}

var _ PendingTxSubscriber = (*gethclient.Client)(nil)

// MempoolWatcher streams pending transactions, decodes router swaps over
// configured pools, and turns profitable ones into backrun opportunities.
type MempoolWatcher struct {
	log        *zap.SugaredLogger
	client     PendingTxSubscriber
	decoder    *SwapDecoder
	strategies *Strategies
	params     *Params
	reserves   *ReserveLoader
	blocks     BlockSource
	submitter  Submitter
}

func NewMempoolWatcher(log *zap.SugaredLogger, client PendingTxSubscriber, decoder *SwapDecoder, strategies *Strategies, params *Params, reserves *ReserveLoader, blocks BlockSource, submitter Submitter) *MempoolWatcher {
	return &MempoolWatcher{
		log:        log.With("component", "mempool"),
		client:     client,
		decoder:    decoder,
		strategies: strategies,
		params:     params,
		reserves:   reserves,
		blocks:     blocks,
		submitter:  submitter,
	}
}

// Run blocks until ctx is cancelled, resubscribing with backoff when the
// pending stream drops.
func (w *MempoolWatcher) Run(ctx context.Context) {
	for {
		err := w.watch(ctx)
		if ctx.Err() != nil {
			w.log.Info("mempool watcher stopped")
			return
		}
		w.log.Warnw("pending tx subscription dropped, resubscribing", "error", err)
	}
}

func (w *MempoolWatcher) watch(ctx context.Context) error {
	txs := make(chan *types.Transaction, 256)
	var sub *rpc.ClientSubscription
	err := backoff.Retry(func() error {
		var err error
		sub, err = w.client.SubscribeFullPendingTransactions(ctx, txs)
		if err != nil {
			w.log.Warnw("pending tx subscribe failed", "error", err)
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
		case tx := <-txs:
			w.onPendingTx(ctx, tx)
		}
	}
}

func (w *MempoolWatcher) onPendingTx(ctx context.Context, tx *types.Transaction) {
	metrics.IncPendingTxSeen()
	if w.params.Paused() || !w.strategies.BackrunEnabled {
		return
	}

	swap, err := w.decoder.DecodeTx(tx)
	if err != nil {
		if !errors.Is(err, ErrNotSwap) {
			w.log.Debugw("swap decode failed", "tx", tx.Hash().Hex(), "error", err)
		}
		return
	}
	metrics.IncPendingSwapDecoded()

	// only single-hop swaps over a pool we also trade are actionable
	if len(swap.Path) != 2 {
		return
	}
	pool, ok := w.strategies.PoolFor(swap.Dex, swap.TokenIn(), swap.TokenOut())
	if !ok {
		return
	}
	pair, ok := w.strategies.PairForPool(pool.Address)
	if !ok {
		return
	}

	opp, err := w.evaluate(ctx, tx, swap, pool, pair)
	if err != nil {
		w.log.Warnw("backrun evaluation failed", "tx", tx.Hash().Hex(), "error", err)
		return
	}
	if opp == nil {
		return
	}

	w.log.Infow("backrun opportunity found",
		"targetTx", tx.Hash().Hex(),
		"pool", pool.Name,
		"profit", FormatEther(opp.ProfitEstimate.ToInt()))
	metrics.IncOpportunityFound(KindBackrun.String())
	if err := w.submitter.Submit(ctx, opp, true); err != nil {
		w.log.Errorw("opportunity submit failed", "kind", KindBackrun, "error", err)
	}
}

// evaluate projects the pending swap through its pool and sizes the
// arbitrage that opens up once it lands.
func (w *MempoolWatcher) evaluate(ctx context.Context, tx *types.Transaction, swap *DecodedSwap, pool *Pool, pair ArbPair) (*Opportunity, error) {
	resA, err := w.reserves.Reserves(ctx, pair.PoolA.Address)
	if err != nil {
		return nil, err
	}
	resB, err := w.reserves.Reserves(ctx, pair.PoolB.Address)
	if err != nil {
		return nil, err
	}

	zeroForOne := swap.TokenIn() == pool.Token0
	projected := ApplySwap(orientedReserves(pair, pool, resA, resB), swap.AmountIn, zeroForOne, feeFromBps(pool.FeeBps))
	if pool.Address == pair.PoolA.Address {
		resA = projected
	} else {
		resB = projected
	}

	plan := FindPairArbitrage(pair, resA, resB, w.strategies.ArbMaxInputWei)
	if plan == nil || plan.Profit.Cmp(w.params.MinProfitWei()) < 0 {
		return nil, nil
	}

	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	block := w.blocks.CurrentBlock()
	return &Opportunity{
		ID:             uuid.New(),
		Kind:           KindBackrun,
		FoundBlock:     hexutil.Uint64(block),
		TargetBlock:    hexutil.Uint64(block + 1),
		MaxTargetBlock: hexutil.Uint64(block + 1),
		ProfitEstimate: (*hexutil.Big)(plan.Profit),
		GasEstimate:    hexutil.Uint64(arbitrageGasEstimate),
		FoundAt:        hexutil.Uint64(time.Now().UnixMicro()),
		Backrun: &BackrunDetail{
			TargetTx:    tx.Hash(),
			TargetRawTx: rawTx,
			Arbitrage: ArbitrageDetail{
				TokenIn:     plan.TokenIn(),
				TokenOut:    plan.TokenOut(),
				PoolBuy:     plan.PoolBuy.Address,
				PoolSell:    plan.PoolSell.Address,
				Route:       []string{plan.PoolBuy.Name, plan.PoolSell.Name},
				AmountIn:    (*hexutil.Big)(plan.AmountIn),
				MidOut:      (*hexutil.Big)(plan.MidOut),
				ExpectedOut: (*hexutil.Big)(plan.ExpectedOut),
			},
			TargetPool:     pool.Address,
			TargetAmountIn: (*hexutil.Big)(swap.AmountIn),
			TargetTokenIn:  swap.TokenIn(),
		},
	}, nil
}

func orientedReserves(pair ArbPair, pool *Pool, resA, resB Reserves) Reserves {
	if pool.Address == pair.PoolA.Address {
		return resA
	}
	return resB
}
