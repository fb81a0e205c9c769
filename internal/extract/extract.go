// Package extract pulls a recipient phone number and a transfer amount out of
// free-form chat text.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/emajidev/agent-transactional-chat/internal/money"
)

// PhoneDigits is the length of a valid recipient number.
const PhoneDigits = 10

var (
	tenDigitRun    = regexp.MustCompile(`\b\d{10}\b`)
	formattedPhone = regexp.MustCompile(`(?:^|[^\d])(\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4})(?:[^\d]|$)`)
	nonDigit       = regexp.MustCompile(`\D`)
	phoneNoise     = regexp.MustCompile(`[\s\-()]`)

	spacedGroup    = regexp.MustCompile(`(\d)\s+(\d{3})\b`)
	numeralToken   = regexp.MustCompile(`-?\d[\d.,]*`)
	groupedNumeral = regexp.MustCompile(`^\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{1,2})?$`)
	trailingCents  = regexp.MustCompile(`,(\d{1,2})$`)
	leadingNumber  = regexp.MustCompile(`^-?\d+(?:\.\d+)?`)
)

var (
	ErrNoAmount          = errors.New("No se pudo encontrar un monto válido en tu mensaje")
	ErrAmountNotPositive = errors.New("El monto debe ser mayor a 0")
	ErrAmountPrecision   = fmt.Errorf("El monto puede tener como máximo %d decimales", money.MaxDecimals)
	ErrAmountTooLarge    = fmt.Errorf("El monto no puede tener más de %d dígitos enteros", money.MaxIntegerDigits)
	ErrPhoneNotNumeric   = errors.New("El número de teléfono debe contener solo dígitos")
)

// Phone returns the first recipient number found in text.
func Phone(text string) (string, bool) {
	if m := tenDigitRun.FindString(text); m != "" {
		return m, true
	}
	if m := formattedPhone.FindStringSubmatch(text); m != nil {
		return nonDigit.ReplaceAllString(m[1], ""), true
	}
	if digits := nonDigit.ReplaceAllString(text, ""); len(digits) == PhoneDigits {
		return digits, true
	}
	return "", false
}

// WithoutPhone blanks out recipient numbers so their digits are not read as
// an amount.
func WithoutPhone(text string) string {
	stripped := formattedPhone.ReplaceAllString(tenDigitRun.ReplaceAllString(text, " "), " ")
	if stripped == text && len(nonDigit.ReplaceAllString(text, "")) == PhoneDigits {
		return ""
	}
	return stripped
}

// ValidatePhone checks a candidate number after removing separators.
func ValidatePhone(phone string) error {
	cleaned := phoneNoise.ReplaceAllString(phone, "")
	if cleaned == "" || nonDigit.MatchString(cleaned) {
		return ErrPhoneNotNumeric
	}
	if len(cleaned) != PhoneDigits {
		return fmt.Errorf("El número de teléfono debe tener exactamente %d dígitos. Se recibieron %d dígitos.", PhoneDigits, len(cleaned))
	}
	return nil
}

// Amount returns the first positive amount found in text.
func Amount(text string) (decimal.Decimal, bool) {
	amount, err := ValidateAmount(text)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

// ValidateAmount parses the first numeral in text and requires it to be
// greater than zero and storable by the ledger.
func ValidateAmount(text string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.ToLower(text), "$", "")
	for spacedGroup.MatchString(s) {
		s = spacedGroup.ReplaceAllString(s, "$1$2")
	}

	token := numeralToken.FindString(s)
	if token == "" {
		return decimal.Zero, ErrNoAmount
	}
	numeral := normalizeNumeral(token)
	if numeral == "" {
		return decimal.Zero, ErrNoAmount
	}
	amount, err := decimal.NewFromString(numeral)
	if err != nil {
		return decimal.Zero, fmt.Errorf("El monto proporcionado no es válido: %w", err)
	}
	switch {
	case !amount.IsPositive():
		return decimal.Zero, ErrAmountNotPositive
	case money.TooPrecise(amount):
		return decimal.Zero, ErrAmountPrecision
	case money.TooLarge(amount):
		return decimal.Zero, ErrAmountTooLarge
	}
	return amount, nil
}

// normalizeNumeral turns "100.000", "1,500.50" or "12,5" into a plain
// decimal literal.
func normalizeNumeral(token string) string {
	sign := ""
	if strings.HasPrefix(token, "-") {
		sign = "-"
		token = token[1:]
	}
	token = strings.TrimRight(token, ".,")

	if groupedNumeral.MatchString(token) {
		last := strings.LastIndexAny(token, ".,")
		if len(token)-last-1 <= 2 {
			return sign + stripSeparators(token[:last]) + "." + token[last+1:]
		}
		return sign + stripSeparators(token)
	}

	token = trailingCents.ReplaceAllString(token, ".$1")
	token = strings.ReplaceAll(token, ",", "")
	if strings.Count(token, ".") > 1 {
		i := strings.LastIndex(token, ".")
		token = strings.ReplaceAll(token[:i], ".", "") + token[i:]
	}
	return leadingNumber.FindString(sign + token)
}

func stripSeparators(s string) string {
	return strings.NewReplacer(".", "", ",", "").Replace(s)
}
