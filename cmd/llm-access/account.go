package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"llm_access/internal/auth"
	"llm_access/internal/billing"
	"llm_access/internal/models"
)

func newAccountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	cmd.AddCommand(
		newAccountCreateCmd(a),
		newAccountCreditCmd(a),
		newAccountShowCmd(a),
		newAccountIssueKeyCmd(a),
	)

	return cmd
}

func newAccountCreateCmd(a *app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "create <account-id>",
		Short: "Create an account if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			account, created, err := db.Accounts().Ensure(cmd.Context(), args[0], email, time.Now())
			if err != nil {
				return err
			}

			state := "exists"
			if created {
				state = "created"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", account.AccountID, account.Email, state)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "contact email of the account")

	return cmd
}

func newAccountCreditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "credit <account-id> <amount>",
		Short: "Add prepaid balance to an account",
		Long:  "Add prepaid balance to an account. The amount is in currency units with up to six decimals, e.g. 10 or 0.25.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := models.ParseMoney(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if err := db.Accounts().Credit(ctx, args[0], amount); err != nil {
				return err
			}
			account, err := db.Accounts().Get(ctx, args[0])
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tbalance %s\n", account.AccountID, account.Balance)
			return nil
		},
	}
}

func newAccountShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show balance and today's free tier usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engineCfg, err := a.cfg.Billing.EngineConfig()
			if err != nil {
				return err
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := billing.NewEngine(db, engineCfg).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			acct := status.Account
			activeKey := "-"
			if acct.HasActiveKey() {
				activeKey = *acct.ActiveKeyID
			}
			_, _ = fmt.Fprintf(out, "account:     %s\n", acct.AccountID)
			_, _ = fmt.Fprintf(out, "email:       %s\n", acct.Email)
			_, _ = fmt.Fprintf(out, "balance:     %s\n", acct.Balance)
			_, _ = fmt.Fprintf(out, "free calls:  %d/%d used today\n", status.FreeCallsUsed, status.FreeTierDailyLimit)
			_, _ = fmt.Fprintf(out, "held:        %d reservation(s)\n", status.HeldReservations)
			_, _ = fmt.Fprintf(out, "active key:  %s\n", activeKey)
			return nil
		},
	}
}

func newAccountIssueKeyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "issue-key <account-id>",
		Short: "Issue a new API key, revoking the current one",
		Long:  "Issue a new API key, revoking the current one. The secret is printed once and cannot be recovered.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.CredentialPepper == "" {
				return errors.New("CREDENTIAL_PEPPER is required to issue keys")
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			creds := auth.NewCredentialManager(db, auth.NewSecretHasher([]byte(a.cfg.CredentialPepper)))
			issued, err := creds.IssueOrRotate(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "key_id:  %s\napi_key: %s\n", issued.KeyID, issued.Secret)
			return nil
		},
	}
}
