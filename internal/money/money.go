package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount indicates an amount that is negative, non-finite, or
	// carries more fractional digits than the currency allows.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrCurrencyMismatch occurs when arithmetic is attempted between two
	// values denominated in different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrNegativeResult occurs when a subtraction would produce a negative
	// value for a field that must stay non-negative.
	ErrNegativeResult = errors.New("negative result")
)

// exponents maps ISO 4217 codes to their minor-unit digits. Codes absent
// from the map use two digits.
var exponents = map[string]int32{
	"XAF": 0,
	"XOF": 0,
	"JPY": 0,
	"BHD": 3,
	"KWD": 3,
}

// Exponent returns the number of minor-unit digits for a currency code.
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// Money is an exact monetary value: an integer count of minor units plus a
// currency code. The zero value is zero units of the empty currency.
type Money struct {
	amount   int64
	currency string
}

// New builds a Money from a minor-unit amount. Negative amounts are rejected.
func New(amount int64, currency string) (Money, error) {
	if amount < 0 {
		return Money{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if currency == "" {
		return Money{}, fmt.Errorf("%w: currency is required", ErrInvalidAmount)
	}
	return Money{amount: amount, currency: strings.ToUpper(currency)}, nil
}

// Zero returns the zero value for a currency.
func Zero(currency string) Money {
	return Money{amount: 0, currency: strings.ToUpper(currency)}
}

// Parse converts an external decimal string (e.g. "12.50") into a Money.
// It fails with ErrInvalidAmount when the input is not a finite non-negative
// number or has more fractional digits than the currency supports.
func Parse(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, value)
	}
	exp := Exponent(currency)
	scaled := d.Shift(exp)
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, value, exp)
	}
	if !scaled.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, value)
	}
	return New(scaled.IntPart(), currency)
}

// Amount returns the value in minor units.
func (m Money) Amount() int64 { return m.amount }

// Currency returns the ISO currency code.
func (m Money) Currency() string { return m.currency }

// IsZero reports whether the value is exactly zero.
func (m Money) IsZero() bool { return m.amount == 0 }

// IsPositive reports whether the value is strictly greater than zero.
func (m Money) IsPositive() bool { return m.amount > 0 }

// SameCurrency reports whether both values share a currency code.
func (m Money) SameCurrency(other Money) bool { return m.currency == other.currency }

// Add returns m + other. Both operands must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	sum := m.amount + other.amount
	if sum < m.amount {
		return Money{}, fmt.Errorf("%w: addition overflows", ErrInvalidAmount)
	}
	return Money{amount: sum, currency: m.currency}, nil
}

// Sub returns m - other, rejecting negative results.
func (m Money) Sub(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	if other.amount > m.amount {
		return Money{}, fmt.Errorf("%w: %d - %d", ErrNegativeResult, m.amount, other.amount)
	}
	return Money{amount: m.amount - other.amount, currency: m.currency}, nil
}

// Cmp compares two same-currency values: -1 if m < other, 0 if equal, 1 if
// m > other.
func (m Money) Cmp(other Money) (int, error) {
	if !m.SameCurrency(other) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	switch {
	case m.amount < other.amount:
		return -1, nil
	case m.amount > other.amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// String renders the value as a decimal string in major units, e.g. "12.50".
func (m Money) String() string {
	return decimal.New(m.amount, -Exponent(m.currency)).StringFixed(Exponent(m.currency))
}
