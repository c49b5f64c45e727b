package domain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point exponent used for every on-chain price.
const PriceScale = 8

// ScaleFactor is 10^PriceScale as a float.
const ScaleFactor = 1e8

// MaxExponent bounds the provider exponent accepted by Rescale.
const MaxExponent = 32

// ErrOutOfRange is returned when a value does not fit 1e8 fixed point.
var ErrOutOfRange = errors.New("value out of fixed-point range")

var (
	maxFixed = decimal.NewFromInt(math.MaxInt64)
	minFixed = decimal.NewFromInt(math.MinInt64)
)

// Sample is one price observation in 1e8 fixed point.
type Sample struct {
	Price      int64
	Confidence int64
	Timestamp  int64
	Synthetic  bool
}

// Float returns the price as a real number.
func (s Sample) Float() float64 {
	return float64(s.Price) / ScaleFactor
}

// Decimal returns the exact price as a decimal.
func (s Sample) Decimal() decimal.Decimal {
	return decimal.New(s.Price, -PriceScale)
}

// ConfidenceDecimal returns the exact confidence interval as a decimal.
func (s Sample) ConfidenceDecimal() decimal.Decimal {
	return decimal.New(s.Confidence, -PriceScale)
}

// Time returns the capture time in UTC.
func (s Sample) Time() time.Time {
	return time.Unix(s.Timestamp, 0).UTC()
}

// Source labels where the sample came from.
func (s Sample) Source() string {
	if s.Synthetic {
		return "synthetic"
	}
	return "feed"
}

// Rescale converts a provider value with the given base-10 exponent into
// the 1e8 fixed-point convention: floor(value * 10^(expo+8)). Results
// outside int64 and exponents beyond ±MaxExponent yield ErrOutOfRange.
func Rescale(value decimal.Decimal, expo int32) (int64, error) {
	if expo > MaxExponent || expo < -MaxExponent {
		return 0, fmt.Errorf("%w: exponent %d", ErrOutOfRange, expo)
	}
	shifted := value.Shift(expo + PriceScale).Floor()
	if shifted.GreaterThan(maxFixed) || shifted.LessThan(minFixed) {
		return 0, fmt.Errorf("%w: %se%d", ErrOutOfRange, value.String(), expo)
	}
	return shifted.IntPart(), nil
}

// ScaleFloat converts a real price into 1e8 fixed point, truncating.
func ScaleFloat(v float64) int64 {
	return decimal.NewFromFloat(v).Shift(PriceScale).Floor().IntPart()
}
