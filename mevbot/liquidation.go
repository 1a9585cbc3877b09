package mevbot

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mev-bot-framework/node/metrics"
)

var lendingPoolABI = func() abi.ABI {
	res, err := abi.JSON(strings.NewReader(`[
		{"name":"getUserAccountData","type":"function","stateMutability":"view",
			"inputs":[{"name":"user","type":"address"}],
			"outputs":[
				{"name":"totalCollateralBase","type":"uint256"},
				{"name":"totalDebtBase","type":"uint256"},
				{"name":"availableBorrowsBase","type":"uint256"},
				{"name":"currentLiquidationThreshold","type":"uint256"},
				{"name":"ltv","type":"uint256"},
				{"name":"healthFactor","type":"uint256"}]},
		{"name":"liquidationCall","type":"function","stateMutability":"nonpayable",
			"inputs":[
				{"name":"collateralAsset","type":"address"},
				{"name":"debtAsset","type":"address"},
				{"name":"user","type":"address"},
				{"name":"debtToCover","type":"uint256"},
				{"name":"receiveAToken","type":"bool"}],
			"outputs":[]}
	]`))
	if err != nil {
		panic(err)
	}
	return res
}()

// healthFactorOne is an Aave ray-style health factor of exactly 1.0.
var healthFactorOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// closeFactorBps is the share of a position's debt a single liquidation may
// repay, in basis points.
const closeFactorBps = 5000

// AccountHealth is one borrower's lending position snapshot.
type AccountHealth struct {
	Borrower        common.Address
	TotalCollateral *big.Int
	TotalDebt       *big.Int
	HealthFactor    *big.Int
}

// Liquidatable reports whether the position can be liquidated.
func (a *AccountHealth) Liquidatable() bool {
	return a.TotalDebt.Sign() > 0 && a.HealthFactor.Cmp(healthFactorOne) < 0
}

// RepayAmount returns the maximum debt a single liquidation may cover.
func (a *AccountHealth) RepayAmount() *big.Int {
	repay := new(big.Int).Mul(a.TotalDebt, big.NewInt(closeFactorBps))
	return repay.Div(repay, big.NewInt(10000))
}

// liquidationBonusBps approximates the collateral bonus paid to the
// liquidator, used only for the profit estimate.
const liquidationBonusBps = 500

const liquidationGasEstimate = 600_000

// NewLiquidationOpportunity builds an opportunity for an unhealthy position.
// The profit estimate is the protocol liquidation bonus on the repaid debt.
func NewLiquidationOpportunity(config LiquidationConfig, health *AccountHealth, repay *big.Int, block uint64) *Opportunity {
	bonus := new(big.Int).Mul(repay, big.NewInt(liquidationBonusBps))
	bonus.Div(bonus, big.NewInt(10000))
	return &Opportunity{
		ID:             uuid.New(),
		Kind:           KindLiquidation,
		FoundBlock:     hexutil.Uint64(block),
		TargetBlock:    hexutil.Uint64(block + 1),
		MaxTargetBlock: hexutil.Uint64(block + 3),
		ProfitEstimate: (*hexutil.Big)(bonus),
		GasEstimate:    hexutil.Uint64(liquidationGasEstimate),
		FoundAt:        hexutil.Uint64(time.Now().UnixMicro()),
		Liquidation: &LiquidationDetail{
			Protocol:     config.Protocol,
			Pool:         config.Pool,
			Borrower:     health.Borrower,
			Collateral:   config.Collateral,
			Debt:         config.Debt,
			RepayAmount:  (*hexutil.Big)(repay),
			HealthFactor: (*hexutil.Big)(health.HealthFactor),
		},
	}
}

// LogFilterer is the optional client capability used to discover borrowers
// from Borrow events. gethclient and ethclient both provide it.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var borrowTopic = crypto.Keccak256Hash([]byte("Borrow(address,address,address,uint256,uint8,uint256,uint16)"))

// maxDiscoveredBorrowers bounds the memory spent on borrowers picked up from
// event logs; the configured watchlist is never evicted.
const maxDiscoveredBorrowers = 1024

// borrowLookback is how far the first scan reaches for Borrow events.
const borrowLookback = 1000

// LiquidationScanner polls an Aave-style lending pool for unhealthy
// positions among watched borrowers. Borrowers come from the configured
// watchlist plus Borrow events when the client can serve logs.
type LiquidationScanner struct {
	log    *zap.SugaredLogger
	client EthCaller
	config LiquidationConfig

	discovered  map[common.Address]struct{}
	lastScanned uint64
}

func NewLiquidationScanner(log *zap.SugaredLogger, client EthCaller, config LiquidationConfig) *LiquidationScanner {
	return &LiquidationScanner{
		log:        log.With("component", "liquidation"),
		client:     client,
		config:     config,
		discovered: make(map[common.Address]struct{}),
	}
}

// discoverBorrowers picks up new borrowers from Borrow events since the last
// scan. Failures only mean this round sees no new borrowers.
func (s *LiquidationScanner) discoverBorrowers(ctx context.Context, filterer LogFilterer, block uint64) {
	from := s.lastScanned + 1
	if s.lastScanned == 0 && block > borrowLookback {
		from = block - borrowLookback
	}
	if from > block {
		return
	}

	logs, err := filterer.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(block),
		Addresses: []common.Address{s.config.Pool},
		Topics:    [][]common.Hash{{borrowTopic}},
	})
	if err != nil {
		s.log.Warnw("borrow event filter failed", "from", from, "to", block, "error", err)
		return
	}
	s.lastScanned = block

	for _, entry := range logs {
		if len(entry.Topics) < 3 {
			continue
		}
		if len(s.discovered) >= maxDiscoveredBorrowers {
			return
		}
		borrower := common.BytesToAddress(entry.Topics[2].Bytes())
		if _, known := s.discovered[borrower]; !known {
			s.discovered[borrower] = struct{}{}
			s.log.Debugw("borrower discovered", "borrower", borrower.Hex(), "block", entry.BlockNumber)
		}
	}
}

// AccountHealth fetches one borrower's position from the lending pool.
func (s *LiquidationScanner) AccountHealth(ctx context.Context, borrower common.Address) (*AccountHealth, error) {
	input, err := lendingPoolABI.Pack("getUserAccountData", borrower)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.config.Pool, Data: input}, nil)
	metrics.RecordRPCCallDuration("eth_call", time.Since(start).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure("eth_call")
		return nil, fmt.Errorf("getUserAccountData %s: %w", borrower.Hex(), err)
	}

	vals, err := lendingPoolABI.Unpack("getUserAccountData", out)
	if err != nil {
		return nil, fmt.Errorf("getUserAccountData %s: decode: %w", borrower.Hex(), err)
	}
	if len(vals) != 6 {
		return nil, fmt.Errorf("getUserAccountData %s: got %d outputs", borrower.Hex(), len(vals))
	}
	return &AccountHealth{
		Borrower:        borrower,
		TotalCollateral: vals[0].(*big.Int),
		TotalDebt:       vals[1].(*big.Int),
		HealthFactor:    vals[5].(*big.Int),
	}, nil
}

// Scan checks every watched borrower and returns opportunities for positions
// below the liquidation threshold whose repay amount clears the configured
// minimum.
func (s *LiquidationScanner) Scan(ctx context.Context, block uint64) []*Opportunity {
	if filterer, ok := s.client.(LogFilterer); ok {
		s.discoverBorrowers(ctx, filterer, block)
	}

	borrowers := make([]common.Address, 0, len(s.config.Watchlist)+len(s.discovered))
	borrowers = append(borrowers, s.config.Watchlist...)
	for borrower := range s.discovered {
		borrowers = append(borrowers, borrower)
	}

	var found []*Opportunity
	for _, borrower := range borrowers {
		health, err := s.AccountHealth(ctx, borrower)
		if err != nil {
			s.log.Warnw("account health check failed", "borrower", borrower.Hex(), "error", err)
			continue
		}
		if health.TotalDebt.Sign() == 0 {
			// paid off, stop tracking
			delete(s.discovered, borrower)
			continue
		}
		if !health.Liquidatable() {
			continue
		}
		repay := health.RepayAmount()
		if s.config.MinRepayWei != nil && repay.Cmp(s.config.MinRepayWei) < 0 {
			s.log.Debugw("liquidatable position below min repay",
				"borrower", borrower.Hex(), "repay", repay.String())
			continue
		}
		s.log.Infow("liquidatable position found",
			"borrower", borrower.Hex(),
			"healthFactor", health.HealthFactor.String(),
			"totalDebt", health.TotalDebt.String(),
			"repay", repay.String())
		found = append(found, NewLiquidationOpportunity(s.config, health, repay, block))
	}
	return found
}
