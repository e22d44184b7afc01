package main

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"llm_access/internal/auth"
	"llm_access/internal/billing"
	"llm_access/internal/httpapi"
	"llm_access/internal/queue"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue reservations once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engineCfg, err := a.cfg.Billing.EngineConfig()
			if err != nil {
				return err
			}

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			sweeper := billing.NewSweeper(billing.NewEngine(db, engineCfg), a.cfg.Billing.SweepInterval)
			expired, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "expired %d reservation(s)\n", expired)
			return nil
		},
	}
}

func newReservationCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservation",
		Short: "Inspect quota holds",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <reservation-id>",
		Short: "Show a reservation and how it was settled",
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

			res, err := billing.NewEngine(db, engineCfg).Reservation(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			actual := "-"
			if res.ActualCost != nil {
				actual = res.ActualCost.String()
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "reservation: %s\n", res.ReservationID)
			_, _ = fmt.Fprintf(out, "account:     %s\n", res.AccountID)
			_, _ = fmt.Fprintf(out, "kind:        %s\n", res.Kind)
			_, _ = fmt.Fprintf(out, "state:       %s\n", res.State)
			_, _ = fmt.Fprintf(out, "held:        %s\n", res.AmountHeld)
			_, _ = fmt.Fprintf(out, "actual:      %s\n", actual)
			_, _ = fmt.Fprintf(out, "shortfall:   %s\n", res.Shortfall)
			_, _ = fmt.Fprintf(out, "expires at:  %s\n", res.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	})

	return cmd
}

func newDevTokenCmd(a *app) *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dev-token <subject>",
		Short: "Mint an HS256 identity token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Identity.JWTSecret == "" {
				return errors.New("IDENTITY_JWT_SECRET is required to mint tokens")
			}

			token, err := auth.SignIdentityToken([]byte(a.cfg.Identity.JWTSecret), auth.IdentityTokenSpec{
				Subject:  args[0],
				Email:    email,
				Issuer:   a.cfg.Identity.Issuer,
				Audience: a.cfg.Identity.Audience,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	return cmd
}

var retryQueues = []string{"settlement", "usage"}

func newDLQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and redrive parked settlement and usage jobs",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:       "list <settlement|usage>",
		Short:     "List dead letters",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: retryQueues,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dlq, closeFn, err := a.openRetryQueue(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			items, err := dlq.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, item := range items {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%s\t%s\n",
					item.Message.ID, item.Message.Kind, item.Message.Attempts, item.Timestamp.Format(time.RFC3339), item.Error)
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 100, "maximum items to list")

	retryCmd := &cobra.Command{
		Use:       "retry <settlement|usage> <message-id>",
		Short:     "Move a dead letter back onto its queue",
		Args:      cobra.ExactArgs(2),
		ValidArgs: retryQueues,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, dlq, closeFn, err := a.openRetryQueue(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			if err := queue.Redrive(cmd.Context(), dlq, q, args[1]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[1])
			return nil
		},
	}

	cmd.AddCommand(listCmd, retryCmd)
	return cmd
}

// openRetryQueue opens the Redis-backed queue a running server drains.
// In-memory queues live inside the server process and cannot be reached.
func (a *app) openRetryQueue(cmd *cobra.Command, name string) (queue.Queue, queue.DeadLetterQueue, func(), error) {
	if !slices.Contains(retryQueues, name) {
		return nil, nil, nil, fmt.Errorf("unknown queue %q", name)
	}
	if !a.cfg.Redis.Enabled() {
		return nil, nil, nil, errors.New("REDIS_ADDRESS is required; in-memory queues are private to the server")
	}

	client, err := httpapi.NewRedisClient(cmd.Context(), a.cfg.Redis)
	if err != nil {
		return nil, nil, nil, err
	}
	q, dlq, err := httpapi.NewQueues(client, a.cfg.Queue.For(name))
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	return q, dlq, func() { client.Close() }, nil
}
