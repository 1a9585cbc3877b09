package mevbot

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/mev-bot-framework/node/metrics"
)

var (
	ErrNoRelayForBackrun = errors.New("backrun needs a bundle relay")
	ErrUnknownKind       = errors.New("unknown opportunity kind")
)

// slippageBps pads amountOutMin below the quoted output.
const slippageBps = 50

var swapRouterABI = func() abi.ABI {
	res, err := abi.JSON(strings.NewReader(routerV2ABI))
	if err != nil {
		panic(err)
	}
	return res
}()

// ExecClient is the slice of the eth client the executor needs.
type ExecClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Executor turns evaluated opportunities into signed transactions and lands
// them, either as relay bundles or raw submissions. In dry run mode it builds
// and signs everything but sends nothing.
type Executor struct {
	log        *zap.SugaredLogger
	zlog       *zap.Logger
	client     ExecClient
	relays     *RelayBackend
	params     *Params
	strategies *Strategies

	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

func NewExecutor(log *zap.Logger, client ExecClient, relays *RelayBackend, params *Params, strategies *Strategies, key *ecdsa.PrivateKey, chainID *big.Int) *Executor {
	return &Executor{
		log:        log.Sugar().With("component", "executor"),
		zlog:       log,
		client:     client,
		relays:     relays,
		params:     params,
		strategies: strategies,
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		signer:     types.LatestSignerForChainID(chainID),
	}
}

// Address returns the bot's sender address.
func (e *Executor) Address() common.Address { return e.address }

// Cancel withdraws any bundle previously submitted for the opportunity.
func (e *Executor) Cancel(ctx context.Context, opp *Opportunity) {
	if !e.relays.HasBundleRelay() {
		return
	}
	e.relays.CancelBundle(ctx, e.zlog, opp.ID.String())
}

// Execute acts on the opportunity, targeting the given block. The returned
// result is always non-nil; err is set for infrastructure failures worth a
// retry, while rejections land in result.Error.
func (e *Executor) Execute(ctx context.Context, opp *Opportunity, targetBlock uint64) (*ExecutionResult, error) {
	switch opp.Kind {
	case KindArbitrage:
		return e.executeArbitrage(ctx, opp.Arbitrage, targetBlock, nil, opp.ID.String())
	case KindBackrun:
		if opp.Backrun == nil {
			return nil, fmt.Errorf("%w: %s without detail", ErrUnknownKind, opp.Kind)
		}
		return e.executeArbitrage(ctx, &opp.Backrun.Arbitrage, targetBlock, opp.Backrun.TargetRawTx, opp.ID.String())
	case KindLiquidation:
		return e.executeLiquidation(ctx, opp.Liquidation, targetBlock, opp.ID.String())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, opp.Kind)
	}
}

// executeArbitrage signs the buy and sell router swaps. With a target tx the
// pair is bundled behind it; otherwise the swaps go out as a bundle when a
// bundle relay is configured, or raw back to back.
func (e *Executor) executeArbitrage(ctx context.Context, detail *ArbitrageDetail, targetBlock uint64, targetRawTx []byte, replacementUUID string) (*ExecutionResult, error) {
	if detail == nil {
		return nil, fmt.Errorf("%w: arbitrage without detail", ErrUnknownKind)
	}
	if targetRawTx != nil && !e.relays.HasBundleRelay() {
		return nil, ErrNoRelayForBackrun
	}

	nonce, tip, feeCap, err := e.txEnv(ctx)
	if err != nil {
		return nil, err
	}
	deadline := big.NewInt(time.Now().Add(time.Minute).Unix())

	buyPool := e.strategies.Pools[detail.PoolBuy]
	sellPool := e.strategies.Pools[detail.PoolSell]
	if buyPool == nil || sellPool == nil {
		return nil, fmt.Errorf("%w: pool no longer configured", ErrUnknownKind)
	}

	// the sell leg spends only the slippage-padded minimum of the buy leg's
	// output, so both legs hold even when the buy fills slightly short
	midIn := withSlippage(detail.MidOut.ToInt())
	minOut := withSlippage(detail.ExpectedOut.ToInt())

	buyData, err := swapRouterABI.Pack("swapExactTokensForTokens",
		detail.AmountIn.ToInt(), midIn,
		[]common.Address{detail.TokenIn, detail.TokenOut}, e.address, deadline)
	if err != nil {
		return nil, err
	}
	sellData, err := swapRouterABI.Pack("swapExactTokensForTokens",
		midIn, minOut,
		[]common.Address{detail.TokenOut, detail.TokenIn}, e.address, deadline)
	if err != nil {
		return nil, err
	}

	buyTx, err := e.signTx(nonce, buyPool.Router, buyData, tip, feeCap, arbitrageGasEstimate)
	if err != nil {
		return nil, err
	}
	sellTx, err := e.signTx(nonce+1, sellPool.Router, sellData, tip, feeCap, arbitrageGasEstimate)
	if err != nil {
		return nil, err
	}

	own := []*types.Transaction{buyTx, sellTx}
	var prefix []hexutil.Bytes
	if targetRawTx != nil {
		prefix = []hexutil.Bytes{targetRawTx}
	}
	return e.land(ctx, own, prefix, targetBlock, replacementUUID)
}

func (e *Executor) executeLiquidation(ctx context.Context, detail *LiquidationDetail, targetBlock uint64, replacementUUID string) (*ExecutionResult, error) {
	if detail == nil {
		return nil, fmt.Errorf("%w: liquidation without detail", ErrUnknownKind)
	}
	nonce, tip, feeCap, err := e.txEnv(ctx)
	if err != nil {
		return nil, err
	}
	data, err := lendingPoolABI.Pack("liquidationCall",
		detail.Collateral, detail.Debt, detail.Borrower, detail.RepayAmount.ToInt(), false)
	if err != nil {
		return nil, err
	}
	tx, err := e.signTx(nonce, detail.Pool, data, tip, feeCap, liquidationGasEstimate)
	if err != nil {
		return nil, err
	}
	return e.land(ctx, []*types.Transaction{tx}, nil, targetBlock, replacementUUID)
}

// land submits the signed txs, preferring a bundle when any relay accepts
// them, falling back to raw submission. prefix txs are third-party raw txs
// that must precede ours and force the bundle path.
func (e *Executor) land(ctx context.Context, own []*types.Transaction, prefix []hexutil.Bytes, targetBlock uint64, replacementUUID string) (*ExecutionResult, error) {
	result := &ExecutionResult{TargetBlock: hexutil.Uint64(targetBlock)}
	for _, tx := range own {
		result.TxHashes = append(result.TxHashes, tx.Hash())
	}

	if e.params.DryRun() {
		result.Success = true
		result.DryRun = true
		e.log.Infow("dry run, not sending", "txs", len(own), "targetBlock", targetBlock)
		return result, nil
	}

	if e.relays.HasBundleRelay() {
		bundle := prefix
		for _, tx := range own {
			raw, err := tx.MarshalBinary()
			if err != nil {
				return nil, err
			}
			bundle = append(bundle, raw)
		}
		start := time.Now()
		accepted, err := e.relays.SendBundle(ctx, e.zlog, targetBlock, bundle, replacementUUID)
		metrics.RecordRPCCallDuration("eth_sendBundle", time.Since(start).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure("eth_sendBundle")
			result.Error = err.Error()
			return result, nil
		}
		result.Success = true
		result.Relays = accepted
		e.log.Infow("bundle accepted",
			"bundle", bundleHash(result.TxHashes).Hex(), "relays", accepted, "targetBlock", targetBlock)
		return result, nil
	}
	if len(prefix) > 0 {
		return nil, ErrNoRelayForBackrun
	}

	for _, tx := range own {
		start := time.Now()
		err := e.client.SendTransaction(ctx, tx)
		metrics.RecordRPCCallDuration("eth_sendRawTransaction", time.Since(start).Milliseconds())
		if err != nil {
			metrics.IncRPCCallFailure("eth_sendRawTransaction")
			result.Error = err.Error()
			return result, nil
		}
	}
	result.Success = true
	return result, nil
}

// txEnv fetches the account nonce and current fee conditions.
func (e *Executor) txEnv(ctx context.Context) (nonce uint64, tip, feeCap *big.Int, err error) {
	nonce, err = e.client.PendingNonceAt(ctx, e.address)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err = e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("head: %w", err)
	}
	// feeCap = 2*baseFee + tip survives one full base fee step up
	feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	e.log.Debugw("fee conditions", "baseFee", FormatGwei(head.BaseFee), "tip", FormatGwei(tip), "feeCap", FormatGwei(feeCap))
	return nonce, tip, feeCap, nil
}

func (e *Executor) signTx(nonce uint64, to common.Address, data []byte, tip, feeCap *big.Int, gas uint64) (*types.Transaction, error) {
	return types.SignNewTx(e.key, e.signer, &types.DynamicFeeTx{
		Nonce:     nonce,
		To:        &to,
		Gas:       gas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Value:     big.NewInt(0),
		Data:      data,
	})
}

func withSlippage(expected *big.Int) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(10000-slippageBps))
	return out.Div(out, big.NewInt(10000))
}

// bundleHash identifies a bundle by hashing its tx hashes in order.
func bundleHash(hashes []common.Hash) common.Hash {
	if len(hashes) == 1 {
		return hashes[0]
	}
	hasher := sha3.NewLegacyKeccak256()
	for _, h := range hashes {
		hasher.Write(h[:])
	}
	return common.BytesToHash(hasher.Sum(nil))
}
