// Package core holds the ledger domain types, money handling and the error
// taxonomy shared by storage, services and transports.
package core

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// defaultFraction is used for codes go-money does not know (e.g. "BTC").
const defaultFraction = 2

// Money is a signed amount in minor units of Currency.
type Money struct {
	Amount   int64
	Currency string
}

// NormalizeCurrency upper-cases code and checks it is at least three letters.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", Invalid("currency", "must not be empty")
	}
	if len(code) < 3 {
		return "", Invalid("currency", "must have at least 3 letters")
	}
	for _, r := range code {
		if !unicode.IsLetter(r) || r > unicode.MaxASCII {
			return "", Invalid("currency", "must contain only letters")
		}
	}
	return code, nil
}

// Fraction returns the number of minor-unit digits of a currency.
func Fraction(code string) int {
	if c := money.GetCurrency(code); c != nil {
		return c.Fraction
	}
	return defaultFraction
}

// MaxAmountScale is the largest number of decimal places an amount may be
// written with.
const MaxAmountScale = 30

// maxInt64Digits is the number of decimal digits of math.MaxInt64.
const maxInt64Digits = 19

// AmountInRange reports whether d could be held in int64 minor units of a
// currency with fraction decimal places. It only inspects the exponent and
// digit count, so it is cheap for any input.
func AmountInRange(d decimal.Decimal, fraction int) bool {
	if d.Sign() == 0 {
		return true
	}
	exp := int64(d.Exponent())
	if exp < -MaxAmountScale {
		return false
	}
	return int64(d.NumDigits())+exp+int64(fraction) <= maxInt64Digits
}

// toMinor shifts an integral minor-unit decimal into an int64.
func toMinor(minor decimal.Decimal) (int64, error) {
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, Invalid("amount", "out of range")
	}
	return minor.IntPart(), nil
}

// MoneyFromDecimal converts a major-unit amount into Money. The amount must be
// exactly representable in the currency's minor units and fit in an int64.
func MoneyFromDecimal(d decimal.Decimal, currency string) (Money, error) {
	if d.Sign() == 0 {
		return Money{Currency: currency}, nil
	}
	fraction := Fraction(currency)
	if int64(d.Exponent()) < -MaxAmountScale {
		return Money{}, Invalid("amount", fmt.Sprintf("has more than %d decimal places", MaxAmountScale))
	}
	if !AmountInRange(d, fraction) {
		return Money{}, Invalid("amount", "out of range")
	}
	minor := d.Shift(int32(fraction))
	if !minor.IsInteger() {
		return Money{}, Invalid("amount", fmt.Sprintf("%s has more than %d decimal places for %s", d, fraction, currency))
	}
	amount, err := toMinor(minor)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// RoundMoney converts a major-unit amount into Money rounding half away from
// zero to the currency's minor units. Used for converted amounts and totals,
// which may exceed the int64 range.
func RoundMoney(d decimal.Decimal, currency string) (Money, error) {
	fraction := int32(Fraction(currency))
	d = d.Round(fraction)
	if !AmountInRange(d, int(fraction)) {
		return Money{}, Invalid("amount", "out of range")
	}
	amount, err := toMinor(d.Shift(fraction))
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -int32(Fraction(m.Currency)))
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }
func (m Money) Neg() Money       { return Money{Amount: -m.Amount, Currency: m.Currency} }

// Add returns m+n. It fails on currency mismatch or int64 overflow.
func (m Money) Add(n Money) (Money, error) {
	if m.Currency != n.Currency {
		return Money{}, &CurrencyMismatchError{Want: m.Currency, Got: n.Currency}
	}
	sum := m.Amount + n.Amount
	if (n.Amount > 0 && sum < m.Amount) || (n.Amount < 0 && sum > m.Amount) {
		return Money{}, Invalid("amount", "balance overflow")
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

// String formats the amount in major units followed by the code, e.g. "12.50 EUR".
func (m Money) String() string {
	return m.Decimal().StringFixed(int32(Fraction(m.Currency))) + " " + m.Currency
}

// Display formats the amount with the currency symbol when go-money knows it.
func (m Money) Display() string {
	if money.GetCurrency(m.Currency) == nil {
		return m.String()
	}
	return money.New(m.Amount, m.Currency).Display()
}

// MarshalJSON writes the amount as a JSON number in major units.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal().StringFixed(int32(Fraction(m.Currency)))), nil
}
