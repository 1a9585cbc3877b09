package mevbot

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPool       = errors.New("unknown pool")
	ErrInvalidStrategies = errors.New("invalid strategies config")
)

// StrategiesConfig is the on-disk strategy configuration, strategies.yaml.
type StrategiesConfig struct {
	Dexes []struct {
		Name   string `yaml:"name"`
		Router string `yaml:"router"`
		FeeBps int    `yaml:"fee_bps"`
	} `yaml:"dexes"`
	Pools []struct {
		Name    string `yaml:"name"`
		Dex     string `yaml:"dex"`
		Address string `yaml:"address"`
		Token0  string `yaml:"token0"`
		Token1  string `yaml:"token1"`
	} `yaml:"pools"`
	Arbitrage struct {
		Enabled      bool   `yaml:"enabled"`
		ScanInterval string `yaml:"scan_interval"`
		MaxInputWei  string `yaml:"max_input_wei"`
		Pairs        []struct {
			PoolA string `yaml:"pool_a"`
			PoolB string `yaml:"pool_b"`
		} `yaml:"pairs"`
	} `yaml:"arbitrage"`
	Liquidation struct {
		Enabled     bool     `yaml:"enabled"`
		Protocol    string   `yaml:"protocol"`
		Pool        string   `yaml:"pool"`
		Collateral  string   `yaml:"collateral"`
		Debt        string   `yaml:"debt"`
		Watchlist   []string `yaml:"watchlist"`
		MinRepayWei string   `yaml:"min_repay_wei"`
	} `yaml:"liquidation"`
	Backrun struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"backrun"`
}

// Pool is a configured AMM pair.
type Pool struct {
	Name    string
	Dex     string
	Router  common.Address
	FeeBps  int
	Address common.Address
	Token0  common.Address
	Token1  common.Address
}

// ArbPair is a pair of pools trading the same tokens on different venues.
type ArbPair struct {
	PoolA *Pool
	PoolB *Pool
}

type LiquidationConfig struct {
	Enabled     bool
	Protocol    string
	Pool        common.Address
	Collateral  common.Address
	Debt        common.Address
	Watchlist   []common.Address
	MinRepayWei *big.Int
}

// Strategies is the parsed, address-resolved strategy configuration.
type Strategies struct {
	Pools       map[common.Address]*Pool
	PoolsByName map[string]*Pool
	Routers     map[common.Address]string // router address -> dex name

	ArbEnabled      bool
	ArbScanInterval time.Duration
	ArbMaxInputWei  *big.Int
	ArbPairs        []ArbPair

	Liquidation LiquidationConfig

	BackrunEnabled bool
}

// LoadStrategiesConfig parses the strategies file and resolves references.
func LoadStrategiesConfig(file string) (*Strategies, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var config StrategiesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return buildStrategies(&config)
}

func buildStrategies(config *StrategiesConfig) (*Strategies, error) {
	s := &Strategies{
		Pools:       make(map[common.Address]*Pool),
		PoolsByName: make(map[string]*Pool),
		Routers:     make(map[common.Address]string),
	}

	dexRouter := make(map[string]common.Address)
	dexFee := make(map[string]int)
	for _, d := range config.Dexes {
		if !common.IsHexAddress(d.Router) {
			return nil, fmt.Errorf("%w: dex %s router %q", ErrInvalidStrategies, d.Name, d.Router)
		}
		router := common.HexToAddress(d.Router)
		dexRouter[d.Name] = router
		fee := d.FeeBps
		if fee == 0 {
			fee = 30
		}
		dexFee[d.Name] = fee
		s.Routers[router] = d.Name
	}

	for _, p := range config.Pools {
		router, ok := dexRouter[p.Dex]
		if !ok {
			return nil, fmt.Errorf("%w: pool %s references unknown dex %q", ErrInvalidStrategies, p.Name, p.Dex)
		}
		if !common.IsHexAddress(p.Address) || !common.IsHexAddress(p.Token0) || !common.IsHexAddress(p.Token1) {
			return nil, fmt.Errorf("%w: pool %s has invalid addresses", ErrInvalidStrategies, p.Name)
		}
		pool := &Pool{
			Name:    p.Name,
			Dex:     p.Dex,
			Router:  router,
			FeeBps:  dexFee[p.Dex],
			Address: common.HexToAddress(p.Address),
			Token0:  common.HexToAddress(p.Token0),
			Token1:  common.HexToAddress(p.Token1),
		}
		s.Pools[pool.Address] = pool
		s.PoolsByName[pool.Name] = pool
	}

	s.ArbEnabled = config.Arbitrage.Enabled
	s.ArbScanInterval = 3 * time.Second
	if config.Arbitrage.ScanInterval != "" {
		interval, err := time.ParseDuration(config.Arbitrage.ScanInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: scan_interval: %s", ErrInvalidStrategies, err)
		}
		s.ArbScanInterval = interval
	}
	s.ArbMaxInputWei = big.NewInt(0)
	if config.Arbitrage.MaxInputWei != "" {
		v, ok := new(big.Int).SetString(config.Arbitrage.MaxInputWei, 10)
		if !ok {
			return nil, fmt.Errorf("%w: max_input_wei %q", ErrInvalidStrategies, config.Arbitrage.MaxInputWei)
		}
		s.ArbMaxInputWei = v
	}
	for _, pair := range config.Arbitrage.Pairs {
		poolA, ok := s.PoolsByName[pair.PoolA]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPool, pair.PoolA)
		}
		poolB, ok := s.PoolsByName[pair.PoolB]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPool, pair.PoolB)
		}
		// an arb pair must trade the same token pair
		if poolA.Token0 != poolB.Token0 || poolA.Token1 != poolB.Token1 {
			return nil, fmt.Errorf("%w: pair %s/%s token mismatch", ErrInvalidStrategies, pair.PoolA, pair.PoolB)
		}
		s.ArbPairs = append(s.ArbPairs, ArbPair{PoolA: poolA, PoolB: poolB})
	}

	liq := config.Liquidation
	s.Liquidation.Enabled = liq.Enabled
	if liq.Enabled {
		if !common.IsHexAddress(liq.Pool) || !common.IsHexAddress(liq.Collateral) || !common.IsHexAddress(liq.Debt) {
			return nil, fmt.Errorf("%w: liquidation addresses", ErrInvalidStrategies)
		}
		s.Liquidation.Protocol = liq.Protocol
		s.Liquidation.Pool = common.HexToAddress(liq.Pool)
		s.Liquidation.Collateral = common.HexToAddress(liq.Collateral)
		s.Liquidation.Debt = common.HexToAddress(liq.Debt)
		for _, w := range liq.Watchlist {
			if !common.IsHexAddress(w) {
				return nil, fmt.Errorf("%w: watchlist address %q", ErrInvalidStrategies, w)
			}
			s.Liquidation.Watchlist = append(s.Liquidation.Watchlist, common.HexToAddress(w))
		}
		s.Liquidation.MinRepayWei = big.NewInt(0)
		if liq.MinRepayWei != "" {
			v, ok := new(big.Int).SetString(liq.MinRepayWei, 10)
			if !ok {
				return nil, fmt.Errorf("%w: min_repay_wei %q", ErrInvalidStrategies, liq.MinRepayWei)
			}
			s.Liquidation.MinRepayWei = v
		}
	}

	s.BackrunEnabled = config.Backrun.Enabled
	return s, nil
}

// PoolFor returns the configured pool on the given dex trading exactly the
// two tokens, in either order.
func (s *Strategies) PoolFor(dex string, a, b common.Address) (*Pool, bool) {
	for _, pool := range s.Pools {
		if pool.Dex != dex {
			continue
		}
		if (pool.Token0 == a && pool.Token1 == b) || (pool.Token0 == b && pool.Token1 == a) {
			return pool, true
		}
	}
	return nil, false
}

// PairForPool returns the configured arb pair containing the pool, if any.
func (s *Strategies) PairForPool(pool common.Address) (ArbPair, bool) {
	for _, pair := range s.ArbPairs {
		if pair.PoolA.Address == pool || pair.PoolB.Address == pool {
			return pair, true
		}
	}
	return ArbPair{}, false
}
