package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Cents is an amount of currency in minor units. All arithmetic in the
// terminal core happens on Cents; decimal text only exists at the edges.
type Cents int64

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more than two decimal places")
	ErrOutOfRange    = errors.New("amount out of range")
)

var (
	hundred  = decimal.NewFromInt(100)
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// Parse reads a decimal amount such as "45.50", "45,5" or "50".
func Parse(value string) (Cents, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, ErrInvalidAmount
	}
	value = strings.Replace(value, ",", ".", 1)

	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return FromDecimal(d)
}

// FromDecimal converts d to cents, refusing fractions of a cent and
// amounts that do not fit in Cents.
func FromDecimal(d decimal.Decimal) (Cents, error) {
	scaled := d.Mul(hundred)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	if scaled.GreaterThan(maxCents) || scaled.LessThan(minCents) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return Cents(scaled.IntPart()), nil
}

// FromUnits builds an amount from whole units and cents, e.g. FromUnits(45, 50).
func FromUnits(units, cents int64) Cents {
	return Cents(units*100 + cents)
}

func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// Times multiplies a unit price by a quantity.
func (c Cents) Times(qty int) Cents {
	return c * Cents(qty)
}

func Max(a, b Cents) Cents {
	if a > b {
		return a
	}
	return b
}

// MarshalJSON writes the amount as a bare JSON number with two decimals.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts JSON numbers and quoted decimal strings. Unlike
// Parse it rounds to the cent, since server amounts are floats.
func (c *Cents) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*c = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, raw)
	}
	// Server-side floats may carry binary noise (45.499999...), round to the cent.
	parsed, err := FromDecimal(d.Round(2))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
