/*
Package generic provides the domain-agnostic primitives of the billing engine.

PURPOSE:
  Money, optional values, year-month arithmetic, the error taxonomy and the
  carry ledger. Nothing in this package knows about tariffs, meters or
  apartments; the tariff, meters and billing packages build on it.

KEY CONCEPTS IN THIS FILE (money.go):
  - Money: a decimal amount of currency (rubles, two decimals for display)
  - Optional[T]: an explicit "value or nothing"; used wherever a reading,
    a rate or a computed total may legitimately be absent

PRECISION:
  Money wraps decimal.Decimal. Rates multiply fractional meter deltas, so
  float64 would drift; rounding happens only at the output boundary via
  Round2().

USAGE:
  rate := generic.MustParseMoney("3.50")
  accrual := rate.Mul(decimal.NewFromInt(5)) // 17.50

  total := generic.None[generic.Money]()
  if v, ok := total.Get(); ok { ... }

SEE ALSO:
  - month.go: Month (year-month index)
  - ledger.go: carry balance recurrence
  - errors.go: error taxonomy
*/
package generic

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is an amount of currency. The zero value is 0.
type Money struct {
	Value decimal.Decimal
}

var Zero = Money{Value: decimal.Zero}

func NewMoney(value float64) Money           { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int64) Money      { return Money{Value: decimal.NewFromInt(value)} }
func MoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }

// ParseMoney parses a decimal string. A comma is accepted as the decimal
// separator because operator forms are filled in by hand.
func ParseMoney(s string) (Money, error) {
	d, err := ParseDecimal(s)
	if err != nil {
		return Zero, err
	}
	return Money{Value: d}, nil
}

// MustParseMoney parses s or returns zero. Intended for constants and tests.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		return Zero
	}
	return m
}

// ParseDecimal parses a decimal, accepting "," as the separator.
func ParseDecimal(s string) (decimal.Decimal, error) {
	t := bytes.TrimSpace([]byte(s))
	t = bytes.ReplaceAll(t, []byte(","), []byte("."))
	if len(t) == 0 {
		return decimal.Zero, fmt.Errorf("%w: empty number", ErrParseFailure)
	}
	d, err := decimal.NewFromString(string(t))
	if err != nil {
		return decimal.Zero, &ParseError{Field: "number", Input: s}
	}
	return d, nil
}

func (m Money) Add(o Money) Money             { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money             { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(q decimal.Decimal) Money   { return Money{Value: m.Value.Mul(q)} }
func (m Money) Neg() Money                    { return Money{Value: m.Value.Neg()} }
func (m Money) Abs() Money                    { return Money{Value: m.Value.Abs()} }
func (m Money) IsZero() bool                  { return m.Value.IsZero() }
func (m Money) IsPositive() bool              { return m.Value.IsPositive() }
func (m Money) IsNegative() bool              { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool            { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool      { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool         { return m.Value.LessThan(o.Value) }
func (m Money) Round2() Money                 { return Money{Value: m.Value.Round(2)} }
func (m Money) Float64() float64              { return m.Value.InexactFloat64() }
func (m Money) String() string                { return m.Value.StringFixed(2) }

// SameCents reports whether both amounts are equal after rounding to cents.
func (m Money) SameCents(o Money) bool { return m.Value.Round(2).Equal(o.Value.Round(2)) }

// MarshalJSON writes the amount as a bare JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Value.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (m *Money) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	d, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	m.Value = d
	return nil
}

// Sum adds up the set values and ignores the rest.
func Sum(values ...Optional[Money]) Money {
	total := Zero
	for _, v := range values {
		if m, ok := v.Get(); ok {
			total = total.Add(m)
		}
	}
	return total
}

// =============================================================================
// OPTIONAL
// =============================================================================

// Optional holds a value or nothing. The zero value is "nothing".
type Optional[T any] struct {
	value T
	set   bool
}

func Some[T any](v T) Optional[T] { return Optional[T]{value: v, set: true} }
func None[T any]() Optional[T]    { return Optional[T]{} }

// OptionalFromPtr converts a nil-able pointer.
func OptionalFromPtr[T any](p *T) Optional[T] {
	if p == nil {
		return Optional[T]{}
	}
	return Some(*p)
}

func (o Optional[T]) Get() (T, bool) { return o.value, o.set }
func (o Optional[T]) IsSet() bool    { return o.set }

// OrElse returns the value, or def when nothing is set.
func (o Optional[T]) OrElse(def T) T {
	if o.set {
		return o.value
	}
	return def
}

// Or returns o when set, otherwise other.
func (o Optional[T]) Or(other Optional[T]) Optional[T] {
	if o.set {
		return o
	}
	return other
}

// Ptr returns a pointer to a copy of the value, or nil.
func (o Optional[T]) Ptr() *T {
	if !o.set {
		return nil
	}
	v := o.value
	return &v
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// MapOptional applies f to a set value.
func MapOptional[T, U any](o Optional[T], f func(T) U) Optional[U] {
	if !o.set {
		return Optional[U]{}
	}
	return Some(f(o.value))
}
