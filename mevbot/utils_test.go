package mevbot

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"0", 18, "0"},
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"10000000000000000", 18, "0.01"},
		{"1", 18, "0.000000000000000001"},
		{"-2500000000000000000", 18, "-2.5"},
		{"123456789", 9, "0.123456789"},
		{"42", 0, "42"},
	}
	for _, tc := range cases {
		amount, ok := new(big.Int).SetString(tc.amount, 10)
		require.True(t, ok)
		require.Equal(t, tc.want, formatUnits(amount, tc.decimals), "formatUnits(%s, %d)", tc.amount, tc.decimals)
	}

	require.Equal(t, "0", formatUnits(nil, 18))
}

func TestFormatEtherGwei(t *testing.T) {
	wei := big.NewInt(0).Mul(big.NewInt(3), big.NewInt(1e18))
	require.Equal(t, "3", FormatEther(wei))
	require.Equal(t, "1.25", FormatGwei(big.NewInt(1_250_000_000)))
}
