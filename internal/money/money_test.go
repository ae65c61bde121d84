package money_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"bountyhub/internal/apperr"
	"bountyhub/internal/money"
)

func TestFeeArithmetic(t *testing.T) {
	tests := []struct {
		gross, fee, total, payout int64
	}{
		{gross: 10000, fee: 500, total: 10500, payout: 9500},
		{gross: 20000, fee: 1000, total: 21000, payout: 19000},
		{gross: 10, fee: 1, total: 11, payout: 9},   // 0.5 rounds up
		{gross: 9, fee: 0, total: 9, payout: 9},     // 0.45 rounds down
		{gross: 1, fee: 0, total: 1, payout: 1},
		{gross: 12345, fee: 617, total: 12962, payout: 11728},
	}
	for _, tt := range tests {
		require.Equal(t, tt.fee, money.PlatformFee(tt.gross), "fee(%d)", tt.gross)
		require.Equal(t, tt.total, money.TotalCharge(tt.gross), "total(%d)", tt.gross)
		require.Equal(t, tt.payout, money.PayoutAmount(tt.gross), "payout(%d)", tt.gross)
	}
}

func TestCustomSchedule(t *testing.T) {
	s := money.Schedule{BasisPoints: 250}
	require.Equal(t, int64(250), s.PlatformFee(10000))
	require.Equal(t, int64(10250), s.TotalCharge(10000))
	require.Equal(t, int64(9750), s.PayoutAmount(10000))
}

func TestToMinorUnits(t *testing.T) {
	t.Run("converts and rounds half up", func(t *testing.T) {
		cases := map[string]int64{
			"100":    10000,
			"200.00": 20000,
			"0.015":  2,
			"0.014":  1,
			"19.995": 2000,
		}
		for in, want := range cases {
			got, err := money.ToMinorUnits(decimal.RequireFromString(in))
			require.NoError(t, err, in)
			require.Equal(t, want, got, in)
		}
	})

	t.Run("rejects non-positive and sub-cent", func(t *testing.T) {
		for _, in := range []string{"0", "-1", "0.004"} {
			_, err := money.ToMinorUnits(decimal.RequireFromString(in))
			require.True(t, apperr.Is(err, apperr.InvalidInput), in)
		}
	})

	t.Run("rejects overflow", func(t *testing.T) {
		_, err := money.ToMinorUnits(decimal.RequireFromString("100000000000000000000"))
		require.True(t, apperr.Is(err, apperr.InvalidInput))
	})

	t.Run("caps at the largest fee-safe amount", func(t *testing.T) {
		limit := decimal.New(money.MaxMinorUnits, -2)
		got, err := money.ToMinorUnits(limit)
		require.NoError(t, err)
		require.Equal(t, int64(money.MaxMinorUnits), got)

		_, err = money.ToMinorUnits(limit.Add(decimal.RequireFromString("0.01")))
		require.Equal(t, "invalid_amount", apperr.ReasonOf(err))

		_, err = money.ToMinorUnits(decimal.RequireFromString("1000000000000000"))
		require.Equal(t, "invalid_amount", apperr.ReasonOf(err))
	})
}

func TestFeesAtMaximumAmount(t *testing.T) {
	gross := int64(money.MaxMinorUnits)
	fee := money.PlatformFee(gross)
	want := decimal.NewFromInt(gross).Mul(decimal.NewFromInt(money.DefaultPlatformFeeBPS)).
		Div(decimal.NewFromInt(10000)).Round(0).IntPart()
	require.Equal(t, want, fee)
	require.Positive(t, fee)
	require.Equal(t, gross+fee, money.TotalCharge(gross))
	require.Greater(t, money.TotalCharge(gross), gross)
	require.Equal(t, gross-fee, money.PayoutAmount(gross))
	require.Positive(t, money.PayoutAmount(gross))

	steep := money.Schedule{BasisPoints: 9999}
	require.Less(t, steep.PlatformFee(gross), gross)
	require.Positive(t, steep.TotalCharge(gross))
}

func TestPlatformFeeBeyondCapDoesNotWrap(t *testing.T) {
	gross := int64(math.MaxInt64 / 2)
	fee := money.PlatformFee(gross)
	require.Positive(t, fee)
	require.Less(t, fee, gross)
	require.Equal(t, gross-fee, money.PayoutAmount(gross))
}

func TestFromFloatRejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := money.FromFloat(f)
		require.True(t, apperr.Is(err, apperr.InvalidInput))
	}
	d, err := money.FromFloat(12.5)
	require.NoError(t, err)
	minor, err := money.ToMinorUnits(d)
	require.NoError(t, err)
	require.Equal(t, int64(1250), minor)
}

func TestParseAmount(t *testing.T) {
	_, err := money.ParseAmount("ten dollars")
	require.True(t, apperr.Is(err, apperr.InvalidInput))
	require.Equal(t, "95.00", money.Format(9500))
	require.Equal(t, "0.05", money.Format(5))
}
