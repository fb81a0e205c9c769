package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var withNotifier bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP API and the result notifier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.RequireChat(); err != nil {
				return err
			}
			ctx := cmd.Context()
			d, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer d.close()

			h, err := d.chatHandler(ctx)
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
				Handler:           h.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("http server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if withNotifier {
				b, err := d.broker()
				if err != nil {
					return err
				}
				run, err := d.notifier(b)
				if err != nil {
					return err
				}
				g.Go(func() error { return ignoreCanceled(run(gctx)) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withNotifier, "notifier", true, "also consume the response queue in this process")
	return cmd
}

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Serve the chat endpoint as an API Gateway Lambda",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.RequireChat(); err != nil {
				return err
			}
			d, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			h, err := d.chatHandler(cmd.Context())
			if err != nil {
				return err
			}
			lambda.StartWithOptions(h.Handle, lambda.WithContext(cmd.Context()))
			return nil
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
