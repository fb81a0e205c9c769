package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emajidev/agent-transactional-chat/internal/broker"
	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/ledger"
	"github.com/emajidev/agent-transactional-chat/internal/money"
)

type Ledger interface {
	ExecuteTransfer(ctx context.Context, req domain.TransferRequest) (ledger.Outcome, error)
	RecordFailure(ctx context.Context, req domain.TransferRequest, reason string) error
	Transaction(ctx context.Context, transactionID string) (domain.TransactionRecord, error)
}

type ResultSink interface {
	PublishResult(ctx context.Context, res domain.TransferResult) error
}

// Processor applies transfer requests from the queue to the ledger and
// reports each outcome on the response queue.
type Processor struct {
	ledger          Ledger
	results         ResultSink
	policy          RetryPolicy
	defaultCurrency string
}

func NewProcessor(l Ledger, results ResultSink, policy RetryPolicy, defaultCurrency string) (*Processor, error) {
	if l == nil {
		return nil, errors.New("transfer: ledger must not be nil")
	}
	if results == nil {
		return nil, errors.New("transfer: result sink must not be nil")
	}
	defaultCurrency = strings.ToUpper(strings.TrimSpace(defaultCurrency))
	if defaultCurrency == "" {
		return nil, errors.New("transfer: default currency must not be empty")
	}
	if policy.Retryable == nil {
		policy.Retryable = ledger.IsTransient
	}
	return &Processor{
		ledger:          l,
		results:         results,
		policy:          policy,
		defaultCurrency: defaultCurrency,
	}, nil
}

// Handle is the broker handler for the transfer queue. A nil return acks the
// message, which only happens once the outcome has been published.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	req, err := DecodeRequest(body, p.defaultCurrency)
	if err != nil {
		return p.reject(ctx, err)
	}
	slog.Info("processing transfer",
		"transaction_id", req.TransactionID,
		"conversation_id", req.ConversationID,
		"amount", req.Amount.String(),
		"currency", req.Currency,
	)

	var out ledger.Outcome
	err = Retry(ctx, p.policy, func(ctx context.Context) error {
		var execErr error
		out, execErr = p.ledger.ExecuteTransfer(ctx, req)
		return execErr
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicate):
		return p.replay(ctx, req)
	case errors.Is(err, ErrMaxRetries):
		slog.Error("transfer retries exhausted", "transaction_id", req.TransactionID, "err", err)
		reason := fmt.Sprintf("No fue posible completar la transferencia después de %d intentos", p.policy.withDefaults().MaxAttempts)
		if recErr := p.ledger.RecordFailure(ctx, req, reason); recErr != nil {
			slog.Error("record failed transfer", "transaction_id", req.TransactionID, "err", recErr)
		}
		return p.publish(ctx, failedResult(req, reason))
	case err != nil:
		return fmt.Errorf("transfer: execute %s: %w", req.TransactionID, err)
	}

	if out.Status == domain.TransactionCompleted {
		return p.publish(ctx, successResult(req, out))
	}
	return p.publish(ctx, failedResult(req, out.Reason))
}

// reject handles a payload that failed validation. It is never redelivered.
func (p *Processor) reject(ctx context.Context, err error) error {
	var inv *InvalidRequestError
	if !errors.As(err, &inv) {
		return broker.Permanent(err)
	}
	slog.Error("invalid transfer request", "transaction_id", inv.TransactionID, "err", err)

	req := domain.TransferRequest{
		TransactionID:  inv.TransactionID,
		ConversationID: inv.ConversationID,
		UserID:         inv.UserID,
		Currency:       p.defaultCurrency,
	}
	if req.TransactionID != "" {
		if recErr := p.ledger.RecordFailure(ctx, req, err.Error()); recErr != nil {
			slog.Error("record invalid transfer", "transaction_id", req.TransactionID, "err", recErr)
		}
	}
	if req.ConversationID != "" {
		if pubErr := p.results.PublishResult(ctx, failedResult(req, err.Error())); pubErr != nil {
			slog.Error("publish invalid transfer result", "transaction_id", req.TransactionID, "err", pubErr)
		}
	}
	return broker.Permanent(err)
}

// replay republishes the recorded outcome of an already processed request.
func (p *Processor) replay(ctx context.Context, req domain.TransferRequest) error {
	rec, err := p.ledger.Transaction(ctx, req.TransactionID)
	if err != nil {
		return fmt.Errorf("transfer: load duplicate %s: %w", req.TransactionID, err)
	}
	slog.Warn("duplicate transfer request", "transaction_id", req.TransactionID, "status", rec.Status)

	if !rec.Status.Terminal() {
		// A pending record belongs to an attempt that has not committed yet.
		return fmt.Errorf("transfer: %s is still %s", req.TransactionID, rec.Status)
	}
	if rec.Status == domain.TransactionCompleted {
		return p.publish(ctx, successResult(req, ledger.Outcome{
			Status:       rec.Status,
			BalanceAfter: rec.BalanceAfter,
			Currency:     rec.Currency,
		}))
	}
	return p.publish(ctx, failedResult(req, rec.ErrorMessage))
}

func (p *Processor) publish(ctx context.Context, res domain.TransferResult) error {
	if err := p.results.PublishResult(ctx, res); err != nil {
		return fmt.Errorf("transfer: publish result %s: %w", res.TransactionID, err)
	}
	slog.Info("transfer result published", "transaction_id", res.TransactionID, "status", res.Status)
	return nil
}

func successResult(req domain.TransferRequest, out ledger.Outcome) domain.TransferResult {
	currency := out.Currency
	if currency == "" {
		currency = req.Currency
	}
	return domain.TransferResult{
		TransactionID:  req.TransactionID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Status:         domain.TransferSuccess,
		Message: fmt.Sprintf("¡Transferencia exitosa! Se enviaron %s al %s.",
			money.Format(req.Amount, currency), req.RecipientPhone),
		BalanceAfter: out.BalanceAfter,
		Currency:     currency,
	}
}

func failedResult(req domain.TransferRequest, reason string) domain.TransferResult {
	return domain.TransferResult{
		TransactionID:  req.TransactionID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Status:         domain.TransferFailed,
		Message:        "Error al procesar la transferencia: " + reason,
		Currency:       req.Currency,
		ErrorMessage:   reason,
	}
}
