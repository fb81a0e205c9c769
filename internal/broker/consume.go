package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one message body. A nil error acks the message, an error
// wrapped with Permanent discards it, and any other error requeues it.
type Handler func(ctx context.Context, body []byte) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Consume delivers messages from queue to h one at a time until ctx is
// cancelled. A lost connection is re-established up to the configured number
// of attempts.
func (c *Client) Consume(ctx context.Context, queue string, h Handler) error {
	for {
		deliveries, err := c.subscribe(ctx, queue)
		if err != nil {
			return err
		}
		slog.Info("broker consuming", "queue", queue)

		if done := c.drain(ctx, queue, deliveries, h); done {
			return ctx.Err()
		}
		slog.Warn("broker delivery channel closed, reconnecting", "queue", queue)
		c.mu.Lock()
		c.resetLocked()
		c.mu.Unlock()
	}
}

func (c *Client) subscribe(ctx context.Context, queue string) (<-chan amqp.Delivery, error) {
	var lastErr error
	for attempt := 1; attempt <= c.reconnectAttempts; attempt++ {
		deliveries, err := c.trySubscribe(queue)
		if err == nil {
			return deliveries, nil
		}
		lastErr = err
		slog.Warn("broker subscribe failed", "queue", queue, "attempt", attempt, "err", err)
		if attempt == c.reconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
	return nil, fmt.Errorf("broker: subscribe to %s after %d attempts: %w", queue, c.reconnectAttempts, lastErr)
}

func (c *Client) trySubscribe(queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.channelLocked(queue)
	if err != nil {
		c.resetLocked()
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("broker: qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("broker: consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// drain reports true when ctx ended, false when the delivery channel closed.
func (c *Client) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, h Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			settle(ctx, queue, d, h)
		}
	}
}

func settle(ctx context.Context, queue string, d amqp.Delivery, h Handler) {
	err := h(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("broker ack failed", "queue", queue, "err", ackErr)
		}
	case IsPermanent(err):
		slog.Error("broker discarding message", "queue", queue, "err", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			slog.Error("broker nack failed", "queue", queue, "err", nackErr)
		}
	default:
		slog.Warn("broker requeueing message", "queue", queue, "err", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			slog.Error("broker nack failed", "queue", queue, "err", nackErr)
		}
	}
}
