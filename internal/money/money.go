package money

import (
	"math"

	"github.com/shopspring/decimal"

	"bountyhub/internal/apperr"
)

// DefaultPlatformFeeBPS is the platform fee in basis points (5%).
const DefaultPlatformFeeBPS = 500

const bpsDenominator = 10000

// MaxMinorUnits is the largest accepted amount. gross*rate and gross+fee
// stay within int64 for any rate below 100%.
const MaxMinorUnits = math.MaxInt64 / bpsDenominator

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(MaxMinorUnits)
)

// Schedule computes fees for a fixed basis-point rate.
type Schedule struct {
	BasisPoints int64
}

// Default is the schedule used by the package-level helpers.
var Default = Schedule{BasisPoints: DefaultPlatformFeeBPS}

// PlatformFee rounds gross*rate half-up to a whole minor unit.
func (s Schedule) PlatformFee(gross int64) int64 {
	if gross <= 0 {
		return 0
	}
	if gross <= MaxMinorUnits && s.BasisPoints <= bpsDenominator {
		return (gross*s.BasisPoints + bpsDenominator/2) / bpsDenominator
	}
	return decimal.NewFromInt(gross).
		Mul(decimal.NewFromInt(s.BasisPoints)).
		Div(decimal.NewFromInt(bpsDenominator)).
		Round(0).
		IntPart()
}

// TotalCharge is what the payer is charged: the reward plus the fee.
func (s Schedule) TotalCharge(gross int64) int64 {
	return gross + s.PlatformFee(gross)
}

// PayoutAmount is what the worker receives. The fee is withheld here too,
// on top of the fee added to the charge.
func (s Schedule) PayoutAmount(gross int64) int64 {
	return gross - s.PlatformFee(gross)
}

func PlatformFee(gross int64) int64  { return Default.PlatformFee(gross) }
func TotalCharge(gross int64) int64  { return Default.TotalCharge(gross) }
func PayoutAmount(gross int64) int64 { return Default.PayoutAmount(gross) }

// ToMinorUnits converts a major-unit amount to minor units, rounding half-up.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	if !amount.IsPositive() {
		return 0, apperr.New(apperr.InvalidInput, "invalid_amount", "amount must be positive")
	}
	minor := amount.Mul(hundred).Round(0)
	if !minor.IsPositive() {
		return 0, apperr.New(apperr.InvalidInput, "invalid_amount", "amount is below the smallest currency unit")
	}
	if minor.GreaterThan(maxMinor) {
		return 0, apperr.New(apperr.InvalidInput, "invalid_amount", "amount is too large")
	}
	return minor.IntPart(), nil
}

// ParseAmount parses a major-unit decimal string such as "200.00".
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, apperr.Wrap(apperr.InvalidInput, "invalid_amount", err, "amount is not a decimal number")
	}
	return d, nil
}

// FromFloat accepts a JSON-style float. NaN and infinities are rejected.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, apperr.New(apperr.InvalidInput, "invalid_amount", "amount must be finite")
	}
	return decimal.NewFromFloat(f), nil
}

// Format renders minor units as a major-unit string with two decimals.
func Format(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
