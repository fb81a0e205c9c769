package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
)

// QueuePublisher is satisfied by *broker.Client.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Publisher sends confirmed transfer requests to the transfer queue.
type Publisher struct {
	q     QueuePublisher
	queue string
}

func NewPublisher(q QueuePublisher, queue string) (*Publisher, error) {
	if q == nil {
		return nil, errors.New("transfer: queue publisher must not be nil")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errors.New("transfer: queue name must not be empty")
	}
	return &Publisher{q: q, queue: queue}, nil
}

func (p *Publisher) Publish(ctx context.Context, req domain.TransferRequest) error {
	body, err := EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("transfer: encode request: %w", err)
	}
	if err := p.q.Publish(ctx, p.queue, body); err != nil {
		return err
	}
	slog.Info("transfer request published",
		"queue", p.queue,
		"transaction_id", req.TransactionID,
		"conversation_id", req.ConversationID,
	)
	return nil
}

// ResultPublisher sends processor outcomes to the response queue.
type ResultPublisher struct {
	q     QueuePublisher
	queue string
}

func NewResultPublisher(q QueuePublisher, queue string) (*ResultPublisher, error) {
	if q == nil {
		return nil, errors.New("transfer: queue publisher must not be nil")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errors.New("transfer: queue name must not be empty")
	}
	return &ResultPublisher{q: q, queue: queue}, nil
}

func (p *ResultPublisher) PublishResult(ctx context.Context, res domain.TransferResult) error {
	body, err := EncodeResult(res)
	if err != nil {
		return fmt.Errorf("transfer: encode result: %w", err)
	}
	return p.q.Publish(ctx, p.queue, body)
}
