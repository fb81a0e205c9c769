// Package broker is a small RabbitMQ client for durable work queues.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 5 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	contentTypeJSON          = "application/json"
)

// channel is the subset of *amqp.Channel the client uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type connection interface {
	Channel() (channel, error)
	Close() error
	IsClosed() bool
}

// Dialer opens a broker connection.
type Dialer func(url string) (connection, error)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) Close() error { return c.conn.Close() }
func (c amqpConnection) IsClosed() bool { return c.conn.IsClosed() }

func dialAMQP(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

type Option func(*Client)

func WithReconnect(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.reconnectAttempts = attempts
		}
		if delay >= 0 {
			c.reconnectDelay = delay
		}
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.publishTimeout = d
		}
	}
}

func withDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// Client owns one connection and one channel. Use separate clients for
// publishing and consuming.
type Client struct {
	url               string
	dial              Dialer
	reconnectAttempts int
	reconnectDelay    time.Duration
	publishTimeout    time.Duration

	mu       sync.Mutex
	conn     connection
	ch       channel
	declared map[string]bool
}

func New(url string, opts ...Option) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("broker: url must not be empty")
	}
	c := &Client{
		url:               url,
		dial:              dialAMQP,
		reconnectAttempts: defaultReconnectAttempts,
		reconnectDelay:    defaultReconnectDelay,
		publishTimeout:    defaultPublishTimeout,
		declared:          map[string]bool{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Publish sends body as a persistent message to a durable queue. A failed
// send drops the connection and is retried once on a fresh one.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.publishLocked(ctx, queue, body)
	if err == nil {
		return nil
	}
	slog.Warn("broker publish failed, reconnecting", "queue", queue, "err", err)
	c.resetLocked()
	if err := c.publishLocked(ctx, queue, body); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", queue, err)
	}
	return nil
}

func (c *Client) publishLocked(ctx context.Context, queue string, body []byte) error {
	ch, err := c.channelLocked(queue)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()
	return ch.PublishWithContext(pctx, "", queue, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// channelLocked returns an open channel with queue declared on it.
func (c *Client) channelLocked(queue string) (channel, error) {
	if c.conn == nil || c.conn.IsClosed() || c.ch == nil {
		c.resetLocked()
		conn, err := c.dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("broker: dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("broker: open channel: %w", err)
		}
		c.conn, c.ch = conn, ch
	}
	if !c.declared[queue] {
		if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("broker: declare %s: %w", queue, err)
		}
		c.declared[queue] = true
	}
	return c.ch, nil
}

func (c *Client) resetLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	c.conn, c.ch = nil, nil
	c.declared = map[string]bool{}
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}
