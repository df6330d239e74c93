package domain

import (
	"errors"
	"fmt"
)

// ErrCurrencyMismatch is returned when arithmetic combines different currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money represents a monetary amount in the smallest currency unit (cents).
// All arithmetic is integer-only; fractional results are rounded half-up,
// once, at the point the fraction is applied.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// USD creates a Money value in US dollars, expressed in cents.
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: currency} }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// Add sums two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// Sub subtracts an amount of the same currency.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

// MulFraction multiplies by num/den and rounds half-up to the nearest cent.
// den must be positive.
func (m Money) MulFraction(num, den int64) Money {
	if den <= 0 {
		panic("money: non-positive denominator")
	}
	return Money{Amount: roundHalfUpDiv(m.Amount*num, den), Currency: m.Currency}
}

// MulPercent applies a whole-number percentage, rounding half-up.
func (m Money) MulPercent(pct int64) Money {
	return m.MulFraction(pct, 100)
}

// Max returns the larger of two same-currency amounts.
func (m Money) Max(other Money) Money {
	if other.Amount > m.Amount {
		return other
	}
	return m
}

// GreaterThan reports whether m exceeds other, ignoring currency.
func (m Money) GreaterThan(other Money) bool { return m.Amount > other.Amount }

// String formats the amount with two decimal places, e.g. "19.00 usd".
func (m Money) String() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, m.Currency)
}

// Equals checks value equality with another Money.
func (m Money) Equals(other ValueObject) bool {
	if o, ok := other.(Money); ok {
		return m == o
	}
	return false
}

// roundHalfUpDiv divides n by den rounding half away from zero.
func roundHalfUpDiv(n, den int64) int64 {
	if n >= 0 {
		return (n + den/2) / den
	}
	return -((-n + den/2) / den)
}
