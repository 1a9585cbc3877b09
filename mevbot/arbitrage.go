package mevbot

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Constant-product AMM math. Amounts are wei-scale big.Ints throughout, fees
// are expressed as numerator/denominator pairs (997/1000 for a 30 bps pool).

type feeRate struct {
	num *big.Int
	den *big.Int
}

func feeFromBps(bps int) feeRate {
	return feeRate{
		num: big.NewInt(int64(10000 - bps)),
		den: big.NewInt(10000),
	}
}

// SwapOutput is the x*y=k output amount for an exact input:
// out = in*fee*reserveOut / (reserveIn*den + in*fee).
func SwapOutput(amountIn, reserveIn, reserveOut *big.Int, fee feeRate) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, fee.num)
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, fee.den)
	denominator.Add(denominator, inWithFee)
	return numerator.Div(numerator, denominator)
}

// Reserves is a pool reserve snapshot in token0/token1 order.
type Reserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// oriented returns (reserveIn, reserveOut) for swapping tokenIn into the pool.
func (r Reserves) oriented(zeroForOne bool) (*big.Int, *big.Int) {
	if zeroForOne {
		return r.Reserve0, r.Reserve1
	}
	return r.Reserve1, r.Reserve0
}

// ApplySwap returns the reserves after an exact-in swap, used to project a
// pool state past a pending transaction.
func ApplySwap(r Reserves, amountIn *big.Int, zeroForOne bool, fee feeRate) Reserves {
	rIn, rOut := r.oriented(zeroForOne)
	out := SwapOutput(amountIn, rIn, rOut, fee)
	newIn := new(big.Int).Add(rIn, amountIn)
	newOut := new(big.Int).Sub(rOut, out)
	if zeroForOne {
		return Reserves{Reserve0: newIn, Reserve1: newOut}
	}
	return Reserves{Reserve0: newOut, Reserve1: newIn}
}

// optimalArbInput is the closed-form profit-maximizing input for the cycle
// tokenIn -> (pool a) -> tokenOut -> (pool b) -> tokenIn:
//
//	x* = (sqrt(fa*fb*aIn*aOut*bIn*bOut) - aIn*bIn) / (fa*(bIn + fb*aOut))
//
// with fa, fb the fee fractions. Returns a non-positive value when the cycle
// cannot profit at any size.
func optimalArbInput(aIn, aOut, bIn, bOut *big.Int, feeA, feeB feeRate) *big.Int {
	// work in fee-denominator-scaled integers to stay in big.Int land
	// fa = na/da, fb = nb/db
	na, da := feeA.num, feeA.den
	nb, db := feeB.num, feeB.den

	// sqrt( na*nb*aIn*aOut*bIn*bOut * da*db ) ... derive carefully:
	// profit(x) = out(x) - x with
	// y = na*x*aOut / (aIn*da + na*x)
	// z = nb*y*bOut / (bIn*db + nb*y)
	// setting d profit/dx = 0 gives
	// x* = (sqrt(na*nb*aOut*bOut*aIn*bIn*da*db) - aIn*bIn*da*db) / (na*(bIn*db + nb*aOut))
	prod := new(big.Int).Mul(na, nb)
	prod.Mul(prod, aOut)
	prod.Mul(prod, bOut)
	prod.Mul(prod, aIn)
	prod.Mul(prod, bIn)
	prod.Mul(prod, da)
	prod.Mul(prod, db)
	root := new(big.Int).Sqrt(prod)

	k := new(big.Int).Mul(aIn, bIn)
	k.Mul(k, da)
	k.Mul(k, db)

	numerator := new(big.Int).Sub(root, k)
	if numerator.Sign() <= 0 {
		return new(big.Int)
	}

	denominator := new(big.Int).Mul(bIn, db)
	denominator.Add(denominator, new(big.Int).Mul(nb, aOut))
	denominator.Mul(denominator, na)

	return numerator.Div(numerator, denominator)
}

// cycleOutput chains the two swaps of an arbitrage cycle, returning the
// intermediate and final amounts.
func cycleOutput(x, aIn, aOut, bIn, bOut *big.Int, feeA, feeB feeRate) (mid, out *big.Int) {
	mid = SwapOutput(x, aIn, aOut, feeA)
	out = SwapOutput(mid, bIn, bOut, feeB)
	return mid, out
}

// ArbPlan is a sized two-pool arbitrage. Cycles always start and end in
// token0, so profit and input share one denomination; configure pools with
// the base token (usually WETH) as token0.
type ArbPlan struct {
	PoolBuy  *Pool
	PoolSell *Pool
	AmountIn *big.Int
	// MidOut is the token1 amount the buy leg yields, the sell leg's input.
	MidOut      *big.Int
	ExpectedOut *big.Int
	Profit      *big.Int
}

// FindPairArbitrage sizes the best token0 arbitrage between two pools
// holding the same token pair, trying both orders. maxInput caps the input
// size when positive. Returns nil when neither direction profits.
func FindPairArbitrage(pair ArbPair, resA, resB Reserves, maxInput *big.Int) *ArbPlan {
	feeA := feeFromBps(pair.PoolA.FeeBps)
	feeB := feeFromBps(pair.PoolB.FeeBps)

	var best *ArbPlan
	for _, dir := range []struct {
		buy, sell       *Pool
		rBuy, rSell     Reserves
		feeBuy, feeSell feeRate
	}{
		// buy token1 on A, sell it on B
		{pair.PoolA, pair.PoolB, resA, resB, feeA, feeB},
		// buy token1 on B, sell it on A
		{pair.PoolB, pair.PoolA, resB, resA, feeB, feeA},
	} {
		aIn, aOut := dir.rBuy.oriented(true)
		// the sell leg swaps token1 back into token0
		bIn, bOut := dir.rSell.oriented(false)

		x := optimalArbInput(aIn, aOut, bIn, bOut, dir.feeBuy, dir.feeSell)
		if x.Sign() <= 0 {
			continue
		}
		if maxInput != nil && maxInput.Sign() > 0 && x.Cmp(maxInput) > 0 {
			x = new(big.Int).Set(maxInput)
		}
		mid, out := cycleOutput(x, aIn, aOut, bIn, bOut, dir.feeBuy, dir.feeSell)
		profit := new(big.Int).Sub(out, x)
		if profit.Sign() <= 0 {
			continue
		}
		if best == nil || profit.Cmp(best.Profit) > 0 {
			best = &ArbPlan{
				PoolBuy:     dir.buy,
				PoolSell:    dir.sell,
				AmountIn:    x,
				MidOut:      mid,
				ExpectedOut: out,
				Profit:      profit,
			}
		}
	}
	return best
}

// TokenIn returns the cycle's starting token.
func (p *ArbPlan) TokenIn() common.Address { return p.PoolBuy.Token0 }

// TokenOut returns the cycle's intermediate token.
func (p *ArbPlan) TokenOut() common.Address { return p.PoolBuy.Token1 }
