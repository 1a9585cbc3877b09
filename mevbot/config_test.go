package mevbot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const strategiesYAML = `
dexes:
  - name: uniswap_v2
    router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
  - name: sushiswap
    router: "0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"
    fee_bps: 25

pools:
  - name: uni:WETH-USDC
    dex: uniswap_v2
    address: "0x1111111111111111111111111111111111111111"
    token0: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    token1: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  - name: sushi:WETH-USDC
    dex: sushiswap
    address: "0x2222222222222222222222222222222222222222"
    token0: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    token1: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

arbitrage:
  enabled: true
  scan_interval: 5s
  max_input_wei: "2000000000000000000"
  pairs:
    - pool_a: uni:WETH-USDC
      pool_b: sushi:WETH-USDC

liquidation:
  enabled: true
  protocol: aave-v3
  pool: "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
  collateral: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
  debt: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  watchlist:
    - "0x6666666666666666666666666666666666666666"
  min_repay_wei: "1000000000000000000"

backrun:
  enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadStrategiesConfig(t *testing.T) {
	strategies, err := LoadStrategiesConfig(writeConfig(t, strategiesYAML))
	require.NoError(t, err)

	require.True(t, strategies.ArbEnabled)
	require.Equal(t, 5*time.Second, strategies.ArbScanInterval)
	require.Equal(t, "2000000000000000000", strategies.ArbMaxInputWei.String())
	require.Len(t, strategies.ArbPairs, 1)
	require.Len(t, strategies.Pools, 2)
	require.True(t, strategies.BackrunEnabled)

	uni := strategies.PoolsByName["uni:WETH-USDC"]
	require.NotNil(t, uni)
	require.Equal(t, 30, uni.FeeBps) // dex default
	sushi := strategies.PoolsByName["sushi:WETH-USDC"]
	require.NotNil(t, sushi)
	require.Equal(t, 25, sushi.FeeBps)

	dex, ok := strategies.Routers[common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")]
	require.True(t, ok)
	require.Equal(t, "uniswap_v2", dex)

	require.True(t, strategies.Liquidation.Enabled)
	require.Equal(t, "aave-v3", strategies.Liquidation.Protocol)
	require.Len(t, strategies.Liquidation.Watchlist, 1)
	require.Equal(t, "1000000000000000000", strategies.Liquidation.MinRepayWei.String())
}

func TestLoadStrategiesConfigRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad router address",
			yaml: `
dexes:
  - name: uniswap_v2
    router: "not-an-address"
`,
		},
		{
			name: "pool references unknown dex",
			yaml: `
pools:
  - name: p
    dex: nope
    address: "0x1111111111111111111111111111111111111111"
    token0: "0x1111111111111111111111111111111111111111"
    token1: "0x1111111111111111111111111111111111111111"
`,
		},
		{
			name: "pair references unknown pool",
			yaml: `
arbitrage:
  enabled: true
  pairs:
    - pool_a: missing
      pool_b: missing
`,
		},
		{
			name: "bad max input",
			yaml: `
arbitrage:
  max_input_wei: "one hundred"
`,
		},
		{
			name: "bad watchlist entry",
			yaml: `
liquidation:
  enabled: true
  pool: "0x1111111111111111111111111111111111111111"
  collateral: "0x1111111111111111111111111111111111111111"
  debt: "0x1111111111111111111111111111111111111111"
  watchlist:
    - "nope"
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStrategiesConfig(writeConfig(t, tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestPairTokenMismatchRejected(t *testing.T) {
	mismatch := `
dexes:
  - name: uniswap_v2
    router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
pools:
  - name: a
    dex: uniswap_v2
    address: "0x1111111111111111111111111111111111111111"
    token0: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    token1: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  - name: b
    dex: uniswap_v2
    address: "0x2222222222222222222222222222222222222222"
    token0: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    token1: "0x6B175474E89094C44Da98b954EedeAC495271d0F"
arbitrage:
  pairs:
    - pool_a: a
      pool_b: b
`
	_, err := LoadStrategiesConfig(writeConfig(t, mismatch))
	require.ErrorIs(t, err, ErrInvalidStrategies)
}

func TestPoolFor(t *testing.T) {
	strategies, err := LoadStrategiesConfig(writeConfig(t, strategiesYAML))
	require.NoError(t, err)

	token0 := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	token1 := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	pool, ok := strategies.PoolFor("sushiswap", token1, token0)
	require.True(t, ok)
	require.Equal(t, "sushi:WETH-USDC", pool.Name)

	_, ok = strategies.PoolFor("uniswap_v3", token0, token1)
	require.False(t, ok)
}

func TestPairForPool(t *testing.T) {
	strategies, err := LoadStrategiesConfig(writeConfig(t, strategiesYAML))
	require.NoError(t, err)

	pair, ok := strategies.PairForPool(common.HexToAddress("0x2222222222222222222222222222222222222222"))
	require.True(t, ok)
	require.Equal(t, "uni:WETH-USDC", pair.PoolA.Name)

	_, ok = strategies.PairForPool(common.HexToAddress("0x9999999999999999999999999999999999999999"))
	require.False(t, ok)
}
