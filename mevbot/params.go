package mevbot

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Params are the runtime-tunable knobs, adjustable over the control API
// without a restart.
type Params struct {
	mu           sync.RWMutex
	minProfitWei *big.Int
	dryRun       bool
	paused       bool
}

func NewParams(minProfitWei *big.Int, dryRun bool) *Params {
	if minProfitWei == nil {
		minProfitWei = big.NewInt(0)
	}
	return &Params{minProfitWei: new(big.Int).Set(minProfitWei), dryRun: dryRun}
}

func (p *Params) MinProfitWei() *big.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.minProfitWei)
}

func (p *Params) SetMinProfitWei(v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minProfitWei = new(big.Int).Set(v)
}

func (p *Params) DryRun() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dryRun
}

func (p *Params) SetDryRun(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dryRun = v
}

func (p *Params) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *Params) SetPaused(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = v
}

// Snapshot is the wire shape of Params for the control API.
type Snapshot struct {
	MinProfitWei *hexutil.Big `json:"minProfitWei"`
	DryRun       bool         `json:"dryRun"`
	Paused       bool         `json:"paused"`
}

func (p *Params) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		MinProfitWei: (*hexutil.Big)(new(big.Int).Set(p.minProfitWei)),
		DryRun:       p.dryRun,
		Paused:       p.paused,
	}
}
