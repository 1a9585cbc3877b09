package mevbot

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNotSwap         = errors.New("transaction is not a known swap")
	ErrShortCalldata   = errors.New("calldata too short")
	ErrEmptySwapPath   = errors.New("swap path is empty")
	errRouterABIBroken = errors.New("router abi does not match selector table")
)

// Routers the mempool watcher recognizes by default. Strategy config can
// extend the set with its dex entries.
var DefaultRouters = map[common.Address]string{
	common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"): "uniswap-v2",
	common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): "uniswap-v3",
	common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"): "sushiswap",
}

// Minimal fragments of the v2 router and v3 router ABIs, enough to unpack
// the swap entrypoints we act on.
const routerV2ABI = `[
	{"name":"swapExactTokensForTokens","type":"function","inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}]},
	{"name":"swapTokensForExactTokens","type":"function","inputs":[
		{"name":"amountOut","type":"uint256"},
		{"name":"amountInMax","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}]},
	{"name":"swapExactETHForTokens","type":"function","inputs":[
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}]},
	{"name":"swapExactTokensForETH","type":"function","inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}]}
]`

const routerV3ABI = `[
	{"name":"exactInputSingle","type":"function","inputs":[
		{"name":"params","type":"tuple","components":[
			{"name":"tokenIn","type":"address"},
			{"name":"tokenOut","type":"address"},
			{"name":"fee","type":"uint24"},
			{"name":"recipient","type":"address"},
			{"name":"deadline","type":"uint256"},
			{"name":"amountIn","type":"uint256"},
			{"name":"amountOutMinimum","type":"uint256"},
			{"name":"sqrtPriceLimitX96","type":"uint160"}]}]}
]`

// DecodedSwap is the normalized view of a router swap call.
type DecodedSwap struct {
	Router       common.Address
	Dex          string
	Method       string
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
}

// TokenIn is the first hop of the path.
func (d *DecodedSwap) TokenIn() common.Address { return d.Path[0] }

// TokenOut is the last hop of the path.
func (d *DecodedSwap) TokenOut() common.Address { return d.Path[len(d.Path)-1] }

// SwapDecoder recognizes swap calls to a configured router set.
type SwapDecoder struct {
	routers map[common.Address]string
	v2      abi.ABI
	v3      abi.ABI
}

func NewSwapDecoder(extraRouters map[common.Address]string) (*SwapDecoder, error) {
	v2, err := abi.JSON(strings.NewReader(routerV2ABI))
	if err != nil {
		return nil, err
	}
	v3, err := abi.JSON(strings.NewReader(routerV3ABI))
	if err != nil {
		return nil, err
	}

	routers := make(map[common.Address]string, len(DefaultRouters)+len(extraRouters))
	for addr, dex := range DefaultRouters {
		routers[addr] = dex
	}
	for addr, dex := range extraRouters {
		routers[addr] = dex
	}

	return &SwapDecoder{routers: routers, v2: v2, v3: v3}, nil
}

// KnownRouter reports whether the address is a recognized swap router.
func (d *SwapDecoder) KnownRouter(addr common.Address) (string, bool) {
	dex, ok := d.routers[addr]
	return dex, ok
}

// DecodeTx decodes a transaction into a swap. ErrNotSwap is returned for
// anything that is not a recognized swap call; callers treat it as a skip,
// not a failure.
func (d *SwapDecoder) DecodeTx(tx *types.Transaction) (*DecodedSwap, error) {
	to := tx.To()
	if to == nil {
		return nil, ErrNotSwap
	}
	dex, ok := d.routers[*to]
	if !ok {
		return nil, ErrNotSwap
	}
	data := tx.Data()
	if len(data) < 4 {
		return nil, ErrShortCalldata
	}

	if method, err := d.v2.MethodById(data[:4]); err == nil {
		return d.decodeV2(tx, *to, dex, method, data[4:])
	}
	if method, err := d.v3.MethodById(data[:4]); err == nil {
		return d.decodeV3(tx, *to, dex, method, data[4:])
	}
	return nil, ErrNotSwap
}

func (d *SwapDecoder) decodeV2(tx *types.Transaction, router common.Address, dex string, method *abi.Method, data []byte) (*DecodedSwap, error) {
	values, err := method.Inputs.Unpack(data)
	if err != nil {
		return nil, err
	}

	swap := &DecodedSwap{
		Router: router,
		Dex:    dex,
		Method: method.Name,
	}

	switch method.Name {
	case "swapExactTokensForTokens", "swapExactTokensForETH":
		if len(values) != 5 {
			return nil, errRouterABIBroken
		}
		swap.AmountIn, _ = values[0].(*big.Int)
		swap.AmountOutMin, _ = values[1].(*big.Int)
		swap.Path, _ = values[2].([]common.Address)
	case "swapTokensForExactTokens":
		if len(values) != 5 {
			return nil, errRouterABIBroken
		}
		// amountInMax is the best bound available before execution
		swap.AmountOutMin, _ = values[0].(*big.Int)
		swap.AmountIn, _ = values[1].(*big.Int)
		swap.Path, _ = values[2].([]common.Address)
	case "swapExactETHForTokens":
		if len(values) != 4 {
			return nil, errRouterABIBroken
		}
		swap.AmountOutMin, _ = values[0].(*big.Int)
		swap.Path, _ = values[1].([]common.Address)
		swap.AmountIn = tx.Value()
	default:
		return nil, ErrNotSwap
	}

	if len(swap.Path) == 0 {
		return nil, ErrEmptySwapPath
	}
	return swap, nil
}

func (d *SwapDecoder) decodeV3(tx *types.Transaction, router common.Address, dex string, method *abi.Method, data []byte) (*DecodedSwap, error) {
	if method.Name != "exactInputSingle" {
		return nil, ErrNotSwap
	}
	values, err := method.Inputs.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, errRouterABIBroken
	}

	params, ok := values[0].(struct {
		TokenIn           common.Address `json:"tokenIn"`
		TokenOut          common.Address `json:"tokenOut"`
		Fee               *big.Int       `json:"fee"`
		Recipient         common.Address `json:"recipient"`
		Deadline          *big.Int       `json:"deadline"`
		AmountIn          *big.Int       `json:"amountIn"`
		AmountOutMinimum  *big.Int       `json:"amountOutMinimum"`
		SqrtPriceLimitX96 *big.Int       `json:"sqrtPriceLimitX96"`
	})
	if !ok {
		return nil, errRouterABIBroken
	}

	return &DecodedSwap{
		Router:       router,
		Dex:          dex,
		Method:       method.Name,
		AmountIn:     params.AmountIn,
		AmountOutMin: params.AmountOutMinimum,
		Path:         []common.Address{params.TokenIn, params.TokenOut},
	}, nil
}
