package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			d, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			store, err := d.ledger(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("ledger schema up to date")
			return nil
		},
	}
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage ledger accounts",
	}

	var (
		userID   int64
		balance  string
		currency string
	)
	open := &cobra.Command{
		Use:   "open",
		Short: "Open an account with an initial balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			amount, err := decimal.NewFromString(balance)
			if err != nil {
				return fmt.Errorf("invalid --balance %q: %w", balance, err)
			}
			if currency == "" {
				currency = cfg.DefaultCurrency
			}
			d, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()

			store, err := d.ledger(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.OpenAccount(cmd.Context(), userID, amount, currency); err != nil {
				return err
			}
			b, err := store.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d: %s %s\n", b.UserID, b.Balance.StringFixed(2), b.Currency)
			return nil
		},
	}
	open.Flags().Int64Var(&userID, "user", 0, "user id")
	open.Flags().StringVar(&balance, "balance", "0", "opening balance")
	open.Flags().StringVar(&currency, "currency", "", "account currency (default DEFAULT_CURRENCY)")
	_ = open.MarkFlagRequired("user")

	cmd.AddCommand(open)
	return cmd
}
