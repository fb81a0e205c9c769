package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-redis/redis/v8"

	"github.com/emajidev/agent-transactional-chat/handler"
	"github.com/emajidev/agent-transactional-chat/internal/agent"
	"github.com/emajidev/agent-transactional-chat/internal/broker"
	"github.com/emajidev/agent-transactional-chat/internal/contextstore"
	"github.com/emajidev/agent-transactional-chat/internal/integrations/openai"
	"github.com/emajidev/agent-transactional-chat/internal/integrations/paramstore"
	"github.com/emajidev/agent-transactional-chat/internal/ledger"
	"github.com/emajidev/agent-transactional-chat/internal/notifier"
	"github.com/emajidev/agent-transactional-chat/internal/repository"
	"github.com/emajidev/agent-transactional-chat/internal/transfer"
	"github.com/emajidev/agent-transactional-chat/internal/usecase"
)

// deps holds the clients a subcommand opened. close releases them in
// reverse order.
type deps struct {
	params  *paramstore.Client
	dynamo  *awsdynamodb.Client
	closers []func() error
}

func (d *deps) onClose(f func() error) { d.closers = append(d.closers, f) }

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			slog.Warn("close dependency", "err", err)
		}
	}
}

// bootstrap loads AWS config and expands "ssm:" references in cfg.
func bootstrap(ctx context.Context) (*deps, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	if err := cfg.ResolveSecrets(ctx, params); err != nil {
		return nil, err
	}
	return &deps{params: params, dynamo: awsdynamodb.NewFromConfig(awsCfg)}, nil
}

func (d *deps) repository() (*repository.Client, error) {
	repo, err := repository.New(d.dynamo, cfg.StateTable)
	if err != nil {
		return nil, fmt.Errorf("create conversation repository: %w", err)
	}
	return repo, nil
}

func (d *deps) ledger(ctx context.Context) (*ledger.Store, error) {
	store, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	d.onClose(store.Close)
	return store, nil
}

func (d *deps) broker() (*broker.Client, error) {
	b, err := broker.New(cfg.RabbitMQ.URL,
		broker.WithReconnect(cfg.RabbitMQ.ReconnectAttempts, cfg.RabbitMQ.ReconnectDelay),
		broker.WithPublishTimeout(cfg.RabbitMQ.PublishTimeout),
	)
	if err != nil {
		return nil, err
	}
	d.onClose(b.Close)
	return b, nil
}

func (d *deps) contextStore(ctx context.Context, durable contextstore.Durable) (*contextstore.Store, error) {
	opts := []contextstore.Option{
		contextstore.WithTTL(cfg.Redis.TTL),
		contextstore.WithHistoryWindow(cfg.HistoryWindow),
		contextstore.WithDefaultCurrency(cfg.DefaultCurrency),
	}
	if cfg.Redis.Addr == "" {
		slog.Warn("REDIS_ADDR not set, conversation context stays in process")
		return contextstore.New(nil, durable, opts...)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.onClose(rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The store falls back per call; a cold cache is not fatal.
		slog.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "err", err)
	}
	return contextstore.New(rdb, durable, opts...)
}

func (d *deps) llm() (*openai.Client, error) {
	opts := []openai.Option{
		openai.WithBaseURL(cfg.OpenAI.BaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.OpenAI.Timeout}),
		openai.WithTemperature(cfg.OpenAI.Temperature),
	}
	if cfg.OpenAI.APIKey != "" {
		opts = append(opts, openai.WithAPIKey(cfg.OpenAI.APIKey))
	}
	c, err := openai.NewClient(d.params, cfg.ParamPrefix, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OpenAI client: %w", err)
	}
	return c, nil
}

// chatHandler wires the chat surface: repository, context store, agent and
// the transfer publisher.
func (d *deps) chatHandler(ctx context.Context) (*handler.Handler, error) {
	repo, err := d.repository()
	if err != nil {
		return nil, err
	}
	contexts, err := d.contextStore(ctx, repo)
	if err != nil {
		return nil, err
	}
	accounts, err := d.ledger(ctx)
	if err != nil {
		return nil, err
	}
	b, err := d.broker()
	if err != nil {
		return nil, err
	}
	publisher, err := transfer.NewPublisher(b, cfg.RabbitMQ.TransferQueue)
	if err != nil {
		return nil, err
	}
	llm, err := d.llm()
	if err != nil {
		return nil, err
	}

	agentCfg := agent.Config{Model: cfg.OpenAI.Model, HistoryWindow: cfg.HistoryWindow}
	if cfg.ModerationEnabled {
		agentCfg.Moderator = llm
	}
	a, err := agent.New(llm, publisher, accounts, agentCfg)
	if err != nil {
		return nil, err
	}
	chat, err := usecase.NewChatService(repo, contexts, a, cfg.MaxMessageLength)
	if err != nil {
		return nil, err
	}
	return handler.NewHandler(chat)
}

func (d *deps) notifier(b *broker.Client) (func(context.Context) error, error) {
	repo, err := d.repository()
	if err != nil {
		return nil, err
	}
	n, err := notifier.New(repo)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		slog.Info("notifier consuming", "queue", cfg.RabbitMQ.ResponseQueue)
		return b.Consume(ctx, cfg.RabbitMQ.ResponseQueue, n.Handle)
	}, nil
}
