package mevbot

import (
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

var (
	ErrInvalidOpportunityKind = errors.New("invalid opportunity kind")
	ErrMissingDetail          = errors.New("opportunity detail does not match kind")
)

// Control API method names.
const (
	StatusEndpointName      = "bot_status"
	GetParamsEndpointName   = "bot_getParams"
	SetParamsEndpointName   = "bot_setParams"
	RecentOppsEndpointName  = "bot_recentOpportunities"
	ProfitStatsEndpointName = "bot_profitStats"
	PauseEndpointName       = "bot_pause"
	ResumeEndpointName      = "bot_resume"
)

// OpportunityKind is serialized as a string in JSON.
type OpportunityKind uint8

const (
	KindArbitrage OpportunityKind = iota
	KindLiquidation
	KindBackrun
)

func (k OpportunityKind) String() string {
	switch k {
	case KindArbitrage:
		return "arbitrage"
	case KindLiquidation:
		return "liquidation"
	case KindBackrun:
		return "backrun"
	default:
		return "unknown"
	}
}

func (k OpportunityKind) MarshalJSON() ([]byte, error) {
	s := k.String()
	if s == "unknown" {
		return nil, ErrInvalidOpportunityKind
	}
	return json.Marshal(s)
}

func (k *OpportunityKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "arbitrage":
		*k = KindArbitrage
	case "liquidation":
		*k = KindLiquidation
	case "backrun":
		*k = KindBackrun
	default:
		return ErrInvalidOpportunityKind
	}
	return nil
}

// Opportunity is a potential profitable action tied to a block window.
// Exactly one of the detail fields matching Kind must be set.
type Opportunity struct {
	ID             uuid.UUID       `json:"id"`
	Kind           OpportunityKind `json:"kind"`
	FoundBlock     hexutil.Uint64  `json:"foundBlock"`
	TargetBlock    hexutil.Uint64  `json:"targetBlock"`
	MaxTargetBlock hexutil.Uint64  `json:"maxTargetBlock"`
	ProfitEstimate *hexutil.Big    `json:"profitEstimate"`
	GasEstimate    hexutil.Uint64  `json:"gasEstimate"`
	FoundAt        hexutil.Uint64  `json:"foundAt"` // unix micro

	Arbitrage   *ArbitrageDetail   `json:"arbitrage,omitempty"`
	Liquidation *LiquidationDetail `json:"liquidation,omitempty"`
	Backrun     *BackrunDetail     `json:"backrun,omitempty"`
}

// Detail returns the payload matching Kind or ErrMissingDetail.
func (o *Opportunity) Detail() (any, error) {
	switch o.Kind {
	case KindArbitrage:
		if o.Arbitrage != nil {
			return o.Arbitrage, nil
		}
	case KindLiquidation:
		if o.Liquidation != nil {
			return o.Liquidation, nil
		}
	case KindBackrun:
		if o.Backrun != nil {
			return o.Backrun, nil
		}
	}
	return nil, ErrMissingDetail
}

// ArbitrageDetail describes a two-pool cycle: buy on PoolBuy, sell on
// PoolSell, starting and ending in TokenIn.
type ArbitrageDetail struct {
	TokenIn     common.Address `json:"tokenIn"`
	TokenOut    common.Address `json:"tokenOut"`
	PoolBuy     common.Address `json:"poolBuy"`
	PoolSell    common.Address `json:"poolSell"`
	Route       []string       `json:"route"`
	AmountIn    *hexutil.Big   `json:"amountIn"`
	MidOut      *hexutil.Big   `json:"midOut"` // tokenOut amount the first leg yields
	ExpectedOut *hexutil.Big   `json:"expectedOut"`
}

type LiquidationDetail struct {
	Protocol   string         `json:"protocol"`
	Pool       common.Address `json:"pool"`
	Borrower   common.Address `json:"borrower"`
	Collateral common.Address `json:"collateral"`
	Debt       common.Address `json:"debt"`
	// RepayAmount is bounded by the protocol close factor.
	RepayAmount  *hexutil.Big `json:"repayAmount"`
	HealthFactor *hexutil.Big `json:"healthFactor"`
}

// BackrunDetail is an arbitrage that only exists after a pending swap lands,
// so the target tx is bundled in front of ours.
type BackrunDetail struct {
	TargetTx    common.Hash     `json:"targetTx"`
	TargetRawTx hexutil.Bytes   `json:"targetRawTx"`
	Arbitrage   ArbitrageDetail `json:"arbitrage"`
	// TargetPool/AmountIn/TokenIn describe the pending swap so its pool's
	// reserves can be projected past it at evaluation time.
	TargetPool     common.Address `json:"targetPool"`
	TargetAmountIn *hexutil.Big   `json:"targetAmountIn"`
	TargetTokenIn  common.Address `json:"targetTokenIn"`
}

// ExecutionResult records the outcome of acting on an opportunity.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	TxHashes []common.Hash `json:"txHashes,omitempty"`
	// Relays that accepted the bundle, empty for raw submissions.
	Relays      []string       `json:"relays,omitempty"`
	TargetBlock hexutil.Uint64 `json:"targetBlock"`
	DryRun      bool           `json:"dryRun,omitempty"`
}

// Event types published to the event channel.
const (
	EventOpportunityFound    = "opportunity_found"
	EventOpportunityExecuted = "opportunity_executed"
	EventExecutionFailed     = "execution_failed"
)

type Event struct {
	Type        string           `json:"type"`
	Opportunity *Opportunity     `json:"opportunity"`
	Result      *ExecutionResult `json:"result,omitempty"`
	At          hexutil.Uint64   `json:"at"` // unix micro
}
