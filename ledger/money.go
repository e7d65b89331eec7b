package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Single-currency amount
// =============================================================================

// Money is an amount in the community's billing currency.
// Backed by decimal.Decimal so cents never drift.
type Money struct {
	Value decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func NewMoney(value float64) Money { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int64) Money { return Money{Value: decimal.NewFromInt(value)} }
func MoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }
func ZeroMoney() Money { return Money{Value: decimal.Zero} }

// ParseMoney parses a decimal string such as "200" or "199.95".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

// MustParseMoney is ParseMoney for literals; invalid input yields zero.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		return ZeroMoney()
	}
	return m
}

func (m Money) Add(b Money) Money { return Money{Value: m.Value.Add(b.Value)} }
func (m Money) Sub(b Money) Money { return Money{Value: m.Value.Sub(b.Value)} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s)} }
func (m Money) IsNegative() bool { return m.Value.IsNegative() }
func (m Money) IsZero() bool { return m.Value.IsZero() }
func (m Money) IsPositive() bool { return m.Value.IsPositive() }
func (m Money) Equal(b Money) bool { return m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool { return m.Value.GreaterThan(b.Value) }
func (m Money) GreaterThanOrEqual(b Money) bool { return m.Value.GreaterThanOrEqual(b.Value) }
func (m Money) LessThan(b Money) bool { return m.Value.LessThan(b.Value) }

func (m Money) Min(b Money) Money {
	if m.LessThan(b) {
		return m
	}
	return b
}

func (m Money) Max(b Money) Money {
	if m.GreaterThan(b) {
		return m
	}
	return b
}

// Percent returns pct percent of m.
func (m Money) Percent(pct decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(pct).Div(hundred)}
}

// Cents rounds to two decimal places.
func (m Money) Cents() Money { return Money{Value: m.Value.Round(2)} }

// String renders the amount with two decimals.
func (m Money) String() string { return m.Value.StringFixed(2) }
