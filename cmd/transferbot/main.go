package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emajidev/agent-transactional-chat/internal/config"
)

var (
	envFile string
	cfg     config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "transferbot",
		Short: "Chat-driven money transfers",
		Long: `transferbot negotiates transfers over chat, queues confirmed requests
and applies them to the ledger.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment")

	root.AddCommand(serveCmd())
	root.AddCommand(lambdaCmd())
	root.AddCommand(processCmd())
	root.AddCommand(notifyCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(accountCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(envFile)
	if err != nil {
		return err
	}
	cfg = loaded
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Debug("configuration loaded", "command", cmd.Name())
	return nil
}
