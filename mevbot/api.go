package mevbot

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mev-bot-framework/node/jsonrpcserver"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidParams   = errors.New("invalid params")
	ErrRateLimited     = errors.New("rate limited")
	ErrStatsBackend    = errors.New("stats backend unavailable")
	ErrHistoryBackend  = errors.New("history backend unavailable")
	ErrParamsUntouched = errors.New("no parameter given")
)

// StatusResponse is the bot_status payload.
type StatusResponse struct {
	Version      string         `json:"version"`
	Sender       common.Address `json:"sender"`
	CurrentBlock hexutil.Uint64 `json:"currentBlock"`
	Params       Snapshot       `json:"params"`
	ArbPairs     int            `json:"arbPairs"`
	Watchlist    int            `json:"watchlist"`
	RelaysActive bool           `json:"relaysActive"`
	UptimeSec    int64          `json:"uptimeSec"`
}

// SetParamsArgs carries bot_setParams updates; nil fields stay untouched.
type SetParamsArgs struct {
	MinProfitWei *hexutil.Big `json:"minProfitWei"`
	DryRun       *bool        `json:"dryRun"`
	Paused       *bool        `json:"paused"`
}

// OpportunityHistory is the slice of storage the API reads.
type OpportunityHistory interface {
	GetRecentOpportunities(ctx context.Context, limit int) ([]*Opportunity, error)
	ProfitStats(ctx context.Context) ([]KindProfitStats, error)
}

// API is the operator control surface, served over signed JSON-RPC. Reads
// are open; anything that mutates runtime parameters requires the request
// signer to be on the admin list.
type API struct {
	log *zap.SugaredLogger

	version string
	sender  common.Address
	params  *Params
	blocks  BlockSource
	history OpportunityHistory
	relays  *RelayBackend
	pairs   int
	watch   int

	admins      map[common.Address]struct{}
	readLimiter *rate.Limiter
	startedAt   time.Time
}

func NewAPI(log *zap.SugaredLogger, version string, sender common.Address, params *Params, blocks BlockSource, history OpportunityHistory, relays *RelayBackend, strategies *Strategies, admins []common.Address, readLimit rate.Limit) *API {
	adminSet := make(map[common.Address]struct{}, len(admins))
	for _, a := range admins {
		adminSet[a] = struct{}{}
	}
	return &API{
		log:         log.With("component", "api"),
		version:     version,
		sender:      sender,
		params:      params,
		blocks:      blocks,
		history:     history,
		relays:      relays,
		pairs:       len(strategies.ArbPairs),
		watch:       len(strategies.Liquidation.Watchlist),
		admins:      adminSet,
		readLimiter: rate.NewLimiter(readLimit, 5),
		startedAt:   time.Now(),
	}
}

// Handler builds the JSON-RPC handler exposing the bot_ namespace.
func (m *API) Handler() (*jsonrpcserver.Handler, error) {
	return jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		StatusEndpointName:      m.Status,
		GetParamsEndpointName:   m.GetParams,
		SetParamsEndpointName:   m.SetParams,
		RecentOppsEndpointName:  m.RecentOpportunities,
		ProfitStatsEndpointName: m.ProfitStats,
		PauseEndpointName:       m.Pause,
		ResumeEndpointName:      m.Resume,
	})
}

func (m *API) Status(ctx context.Context) (StatusResponse, error) {
	return StatusResponse{
		Version:      m.version,
		Sender:       m.sender,
		CurrentBlock: hexutil.Uint64(m.blocks.CurrentBlock()),
		Params:       m.params.Snapshot(),
		ArbPairs:     m.pairs,
		Watchlist:    m.watch,
		RelaysActive: m.relays.Enabled(),
		UptimeSec:    int64(time.Since(m.startedAt).Seconds()),
	}, nil
}

func (m *API) GetParams(ctx context.Context) (Snapshot, error) {
	return m.params.Snapshot(), nil
}

func (m *API) SetParams(ctx context.Context, args SetParamsArgs) (Snapshot, error) {
	if err := m.authorize(ctx); err != nil {
		return Snapshot{}, err
	}
	if args.MinProfitWei == nil && args.DryRun == nil && args.Paused == nil {
		return Snapshot{}, ErrParamsUntouched
	}
	if args.MinProfitWei != nil {
		v := args.MinProfitWei.ToInt()
		if v.Sign() < 0 {
			return Snapshot{}, ErrInvalidParams
		}
		m.params.SetMinProfitWei(v)
	}
	if args.DryRun != nil {
		m.params.SetDryRun(*args.DryRun)
	}
	if args.Paused != nil {
		m.params.SetPaused(*args.Paused)
	}
	m.log.Infow("params updated",
		"signer", jsonrpcserver.GetSigner(ctx).Hex(),
		"params", m.params.Snapshot())
	return m.params.Snapshot(), nil
}

func (m *API) Pause(ctx context.Context) error {
	if err := m.authorize(ctx); err != nil {
		return err
	}
	m.params.SetPaused(true)
	m.log.Infow("bot paused", "signer", jsonrpcserver.GetSigner(ctx).Hex())
	return nil
}

func (m *API) Resume(ctx context.Context) error {
	if err := m.authorize(ctx); err != nil {
		return err
	}
	m.params.SetPaused(false)
	m.log.Infow("bot resumed", "signer", jsonrpcserver.GetSigner(ctx).Hex())
	return nil
}

func (m *API) RecentOpportunities(ctx context.Context, limit int) ([]*Opportunity, error) {
	if !m.readLimiter.Allow() {
		return nil, ErrRateLimited
	}
	opps, err := m.history.GetRecentOpportunities(ctx, limit)
	if err != nil {
		m.log.Errorw("recent opportunities query failed", "error", err)
		return nil, ErrHistoryBackend
	}
	return opps, nil
}

func (m *API) ProfitStats(ctx context.Context) ([]KindProfitStats, error) {
	if !m.readLimiter.Allow() {
		return nil, ErrRateLimited
	}
	stats, err := m.history.ProfitStats(ctx)
	if err != nil {
		m.log.Errorw("profit stats query failed", "error", err)
		return nil, ErrStatsBackend
	}
	return stats, nil
}

// authorize admits only request signers on the admin list. An empty list
// locks all mutating endpoints.
func (m *API) authorize(ctx context.Context) error {
	signer := jsonrpcserver.GetSigner(ctx)
	if _, ok := m.admins[signer]; !ok || signer == (common.Address{}) {
		return ErrUnauthorized
	}
	return nil
}
