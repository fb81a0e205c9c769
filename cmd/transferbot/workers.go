package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/emajidev/agent-transactional-chat/internal/ledger"
	"github.com/emajidev/agent-transactional-chat/internal/transfer"
)

func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Consume transfer requests and apply them to the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.RequireProcessor(); err != nil {
				return err
			}
			ctx := cmd.Context()
			d, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			store, err := d.ledger(ctx)
			if err != nil {
				return err
			}
			b, err := d.broker()
			if err != nil {
				return err
			}
			results, err := transfer.NewResultPublisher(b, cfg.RabbitMQ.ResponseQueue)
			if err != nil {
				return err
			}
			p, err := transfer.NewProcessor(store, results, retryPolicy(), cfg.DefaultCurrency)
			if err != nil {
				return err
			}

			// Requests and results use separate connections so a blocked
			// publish never stalls delivery.
			in, err := d.broker()
			if err != nil {
				return err
			}
			slog.Info("transfer processor consuming", "queue", cfg.RabbitMQ.TransferQueue)
			return ignoreCanceled(in.Consume(ctx, cfg.RabbitMQ.TransferQueue, p.Handle))
		},
	}
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Deliver transfer results into their conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.RequireNotifier(); err != nil {
				return err
			}
			d, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			b, err := d.broker()
			if err != nil {
				return err
			}
			run, err := d.notifier(b)
			if err != nil {
				return err
			}
			return ignoreCanceled(run(cmd.Context()))
		},
	}
}

// retryPolicy applies the PROCESSOR_* overrides to the default ledger policy.
func retryPolicy() transfer.RetryPolicy {
	p := transfer.DefaultRetryPolicy(ledger.IsTransient)
	if cfg.Processor.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Processor.MaxAttempts
	}
	if cfg.Processor.InitialDelay > 0 {
		p.InitialDelay = cfg.Processor.InitialDelay
	}
	if cfg.Processor.MaxDelay > 0 {
		p.MaxDelay = cfg.Processor.MaxDelay
	}
	return p
}
