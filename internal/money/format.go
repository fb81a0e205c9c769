// Package money renders amounts for chat replies.
package money

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Format renders an amount as "$100,000 COP", rounded to whole units.
func Format(amount decimal.Decimal, currency string) string {
	s := printer.Sprintf("$%d", amount.Round(0).IntPart())
	if currency == "" {
		return s
	}
	return s + " " + currency
}

// Ledger columns are NUMERIC(18,2).
const (
	MaxDecimals      = 2
	MaxIntegerDigits = 16
)

var ledgerCeiling = decimal.New(1, MaxIntegerDigits)

// TooPrecise reports whether amount has more decimals than the ledger stores.
func TooPrecise(amount decimal.Decimal) bool {
	return !amount.Equal(amount.Truncate(MaxDecimals))
}

// TooLarge reports whether amount has more integer digits than the ledger stores.
func TooLarge(amount decimal.Decimal) bool {
	return amount.Abs().GreaterThanOrEqual(ledgerCeiling)
}
