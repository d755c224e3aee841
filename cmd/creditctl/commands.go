package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"creditsvc/internal/model"
	"creditsvc/internal/service"

	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Show an account's balance and plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.close()

			acct, err := b.credits.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
}

func newTransactionsCmd() *cobra.Command {
	var (
		kind   string
		since  string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "transactions <account-id>",
		Short: "List ledger entries for an account, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.TransactionFilter{
				AccountID: args[0],
				Kind:      model.TransactionKind(kind),
				Limit:     limit,
				Offset:    offset,
			}
			if kind != "" && !filter.Kind.Valid() {
				return fmt.Errorf("unknown kind %q", kind)
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("--since: %w", err)
				}
				filter.Since = &t
			}

			b, err := openBackend(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.close()

			txns, err := b.credits.ListTransactions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), txns)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (generation, refund, subscription_grant, free_tier)")
	cmd.Flags().StringVar(&since, "since", "", "Only entries at or after this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Entries to skip")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "reconcile <checkout-session-id>",
		Short: "Re-run checkout reconciliation for a session",
		Long:  `Fetches the session from Stripe and applies the plan and credit grant. Safe to repeat: an already applied session reports idempotent_replay.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer b.close()

			res, err := b.reconciler.ReconcileCheckoutCompletion(cmd.Context(), args[0], service.ReconcileOptions{
				Trigger:           service.TriggerOperator,
				ExpectedAccountID: expected,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&expected, "account", "", "Reject the session unless it was paid for by this account")
	return cmd
}

func newRefundCmd() *cobra.Command {
	var req service.RefundRequest
	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Credit an account back for a charge",
		Long:  `Issues a refund keyed by --charge. Running it twice for the same charge credits the account once.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.AccountID == "" || req.ChargeID == "" {
				return errors.New("--account and --charge are required")
			}
			if req.Amount <= 0 {
				return errors.New("--amount must be positive")
			}
			if req.Reason == "" {
				req.Reason = "manual refund"
			}

			b, err := openBackend(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.close()

			balance, err := b.credits.Refund(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"account_id": req.AccountID,
				"charge_id":  req.ChargeID,
				"balance":    balance,
			})
		},
	}
	cmd.Flags().StringVar(&req.AccountID, "account", "", "Account to credit")
	cmd.Flags().StringVar(&req.ChargeID, "charge", "", "Charge id the refund belongs to")
	cmd.Flags().Int64Var(&req.Amount, "amount", 0, "Credits to return")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Reason recorded on the ledger entry")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if err := runMigrations(cmd.Context(), cfg.DBConnectionString); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			v, err := migrationVersion(cmd.Context(), cfg.DBConnectionString)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", v)
			return nil
		},
	})
	return cmd
}
