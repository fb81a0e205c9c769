// Package transfer moves confirmed transfer requests across the broker and
// applies them to the ledger.
package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/money"
)

const (
	maxIDLength    = 255
	maxPhoneLength = 32
	currencyLength = 3
)

type requestWire struct {
	TransactionID  string      `json:"transactionId"`
	ConversationID string      `json:"conversationId"`
	UserID         json.Number `json:"userId"`
	RecipientPhone string      `json:"recipientPhone"`
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency"`
}

type resultWire struct {
	TransactionID  string       `json:"transactionId"`
	ConversationID string       `json:"conversationId"`
	UserID         int64        `json:"userId"`
	Status         string       `json:"status"`
	Message        string       `json:"message"`
	BalanceAfter   *json.Number `json:"balanceAfter,omitempty"`
	Currency       string       `json:"currency"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
}

// EncodeRequest renders a request with amount and userId as JSON numbers.
func EncodeRequest(req domain.TransferRequest) ([]byte, error) {
	return json.Marshal(requestWire{
		TransactionID:  req.TransactionID,
		ConversationID: req.ConversationID,
		UserID:         json.Number(fmt.Sprint(req.UserID)),
		RecipientPhone: req.RecipientPhone,
		Amount:         json.Number(req.Amount.String()),
		Currency:       req.Currency,
	})
}

// InvalidRequestError lists every problem found in a request payload.
// TransactionID is set when the payload carried a usable one.
type InvalidRequestError struct {
	TransactionID  string
	ConversationID string
	UserID         int64
	Problems       []string
}

func (e *InvalidRequestError) Error() string {
	return "Validación fallida: " + strings.Join(e.Problems, "; ")
}

// DecodeRequest parses and validates a request payload. Every field must be
// present with the right JSON type; currency falls back to defaultCurrency.
func DecodeRequest(body []byte, defaultCurrency string) (domain.TransferRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.TransferRequest{}, &InvalidRequestError{Problems: []string{"JSON inválido: " + err.Error()}}
	}

	inv := &InvalidRequestError{}
	var req domain.TransferRequest

	req.TransactionID = stringField(raw, "transactionId", inv)
	req.ConversationID = stringField(raw, "conversationId", inv)
	req.RecipientPhone = stringField(raw, "recipientPhone", inv)

	if n, ok := numberField(raw, "userId", inv); ok {
		id, err := n.Int64()
		switch {
		case err != nil:
			inv.Problems = append(inv.Problems, fmt.Sprintf("Campo 'userId' debe ser un entero. Recibido: %s", n))
		case id <= 0:
			inv.Problems = append(inv.Problems, fmt.Sprintf("El userId debe ser mayor a 0. Recibido: %d", id))
		default:
			req.UserID = id
		}
	}
	if n, ok := numberField(raw, "amount", inv); ok {
		amount, err := decimal.NewFromString(n.String())
		switch {
		case err != nil:
			inv.Problems = append(inv.Problems, fmt.Sprintf("El monto '%s' no es un número válido", n))
		case !amount.IsPositive():
			inv.Problems = append(inv.Problems, "El monto debe ser mayor a 0")
		case money.TooPrecise(amount):
			inv.Problems = append(inv.Problems, fmt.Sprintf("El monto puede tener como máximo %d decimales. Recibido: %s", money.MaxDecimals, n))
		case money.TooLarge(amount):
			inv.Problems = append(inv.Problems, fmt.Sprintf("El monto no puede tener más de %d dígitos enteros. Recibido: %s", money.MaxIntegerDigits, n))
		default:
			req.Amount = amount
		}
	}

	req.Currency = defaultCurrency
	if v, ok := raw["currency"]; ok && !isNull(v) {
		var cur string
		if err := json.Unmarshal(v, &cur); err != nil {
			inv.Problems = append(inv.Problems, "Campo 'currency' tiene tipo incorrecto. Esperado: string")
		} else if cur = strings.ToUpper(strings.TrimSpace(cur)); cur != "" {
			req.Currency = cur
		}
	}

	checkLength(inv, "recipientPhone", req.RecipientPhone, maxPhoneLength)
	checkLength(inv, "transactionId", req.TransactionID, maxIDLength)
	checkLength(inv, "conversationId", req.ConversationID, maxIDLength)
	if len(req.Currency) != currencyLength {
		inv.Problems = append(inv.Problems, fmt.Sprintf("La moneda debe tener %d caracteres. Recibido: %q", currencyLength, req.Currency))
	}

	if len(inv.Problems) > 0 {
		if l := len(req.TransactionID); l > 0 && l <= maxIDLength {
			inv.TransactionID = req.TransactionID
		}
		inv.ConversationID = req.ConversationID
		inv.UserID = req.UserID
		return domain.TransferRequest{}, inv
	}
	return req, nil
}

func stringField(raw map[string]json.RawMessage, key string, inv *InvalidRequestError) string {
	v, ok := raw[key]
	if !ok || isNull(v) {
		inv.Problems = append(inv.Problems, "Campo requerido faltante: "+key)
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		inv.Problems = append(inv.Problems, fmt.Sprintf("Campo '%s' tiene tipo incorrecto. Esperado: string", key))
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		inv.Problems = append(inv.Problems, fmt.Sprintf("El %s no puede estar vacío", key))
	}
	return s
}

func numberField(raw map[string]json.RawMessage, key string, inv *InvalidRequestError) (json.Number, bool) {
	v, ok := raw[key]
	if !ok || isNull(v) {
		inv.Problems = append(inv.Problems, "Campo requerido faltante: "+key)
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var n any
	if err := dec.Decode(&n); err != nil {
		inv.Problems = append(inv.Problems, fmt.Sprintf("Campo '%s' tiene tipo incorrecto. Esperado: número", key))
		return "", false
	}
	num, ok := n.(json.Number)
	if !ok {
		inv.Problems = append(inv.Problems, fmt.Sprintf("Campo '%s' tiene tipo incorrecto. Esperado: número", key))
		return "", false
	}
	return num, true
}

func checkLength(inv *InvalidRequestError, key, value string, max int) {
	if value == "" {
		return
	}
	if l := len(value); l > max {
		inv.Problems = append(inv.Problems, fmt.Sprintf("El %s debe tener entre 1 y %d caracteres. Recibido: %d caracteres", key, max, l))
	}
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// EncodeResult renders a result for the response queue.
func EncodeResult(res domain.TransferResult) ([]byte, error) {
	w := resultWire{
		TransactionID:  res.TransactionID,
		ConversationID: res.ConversationID,
		UserID:         res.UserID,
		Status:         string(res.Status),
		Message:        res.Message,
		Currency:       res.Currency,
		ErrorMessage:   res.ErrorMessage,
	}
	if res.BalanceAfter != nil {
		n := json.Number(res.BalanceAfter.String())
		w.BalanceAfter = &n
	}
	return json.Marshal(w)
}

// DecodeResult parses a result from the response queue.
func DecodeResult(body []byte) (domain.TransferResult, error) {
	var w resultWire
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.TransferResult{}, fmt.Errorf("transfer: decode result: %w", err)
	}
	res := domain.TransferResult{
		TransactionID:  w.TransactionID,
		ConversationID: w.ConversationID,
		UserID:         w.UserID,
		Status:         domain.TransferStatus(w.Status),
		Message:        w.Message,
		Currency:       w.Currency,
		ErrorMessage:   w.ErrorMessage,
	}
	switch res.Status {
	case domain.TransferSuccess, domain.TransferFailed:
	default:
		return domain.TransferResult{}, fmt.Errorf("transfer: decode result: unknown status %q", w.Status)
	}
	if w.BalanceAfter != nil {
		b, err := decimal.NewFromString(w.BalanceAfter.String())
		if err != nil {
			return domain.TransferResult{}, fmt.Errorf("transfer: decode result balance: %w", err)
		}
		res.BalanceAfter = &b
	}
	return res, nil
}
