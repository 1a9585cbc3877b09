package mevbot

import (
	"math/big"
	"strings"
)

// formatUnits renders an integer amount as a decimal string with the given
// number of fractional digits, trimming trailing zeros. No float math so
// large balances stay exact.
func formatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(amount)
	if amount.Sign() < 0 {
		sign = "-"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, scale, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	digits := strings.TrimRight(leftPad(frac.String(), decimals), "0")
	return sign + whole.String() + "." + digits
}

// FormatEther renders wei as ether.
func FormatEther(wei *big.Int) string { return formatUnits(wei, 18) }

// FormatGwei renders wei as gwei.
func FormatGwei(wei *big.Int) string { return formatUnits(wei, 9) }

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
