package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/mesa-payments/internal/bootstrap"
	"github.com/angelmondragon/mesa-payments/internal/cron"
	"github.com/angelmondragon/mesa-payments/pkg/db/models"
	"github.com/angelmondragon/mesa-payments/pkg/outbox"
	"github.com/angelmondragon/mesa-payments/pkg/redis"
)

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll [transaction-id]",
		Short: "Query the provider for a transaction and reconcile the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid transaction id %q", args[0])
			}
			ctx := cmd.Context()
			rt, closeFn, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			tx, err := rt.components.Transactions.Poll(ctx, id)
			if err != nil {
				return err
			}
			printTransaction(cmd.OutOrStdout(), tx)
			return nil
		},
	}
}

// sweepCmd runs the reconcile worker's jobs once under the shared sweep
// lock. It is a no-op while a worker holds the lock.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every reconciliation job once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, closeFn, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			registry, err := bootstrap.NewSweepJobs(rt.cfg, rt.components, rt.logg)
			if err != nil {
				return err
			}
			redisClient, err := redis.New(ctx, rt.cfg.Redis, rt.logg)
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer redisClient.Close()
			lock, err := cron.NewRedisLock(redisClient, cron.SweepLockName, rt.cfg.Reconcile.LockTTL)
			if err != nil {
				return err
			}
			service, err := cron.NewService(cron.ServiceParams{
				Logger:     rt.logg,
				Registry:   registry,
				Lock:       lock,
				JobTimeout: rt.cfg.Reconcile.LockTTL,
			})
			if err != nil {
				return err
			}
			runs, err := service.RunOnce(ctx)
			if errors.Is(err, cron.ErrLockHeld) {
				fmt.Fprintln(cmd.OutOrStdout(), "another worker holds the sweep lock; nothing run")
				return nil
			}
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			for _, run := range runs {
				if run.Err != nil {
					return fmt.Errorf("sweep job %s failed", run.Job)
				}
			}
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect transaction event delivery",
	}
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-lettered transaction events",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent dead-lettered events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, closeFn, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			rows, err := outbox.NewRepository(rt.db.DB()).ListDeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			printDeadLetters(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")

	requeue := &cobra.Command{
		Use:   "requeue [event-id...]",
		Short: "Hand dead-lettered events back to the publisher",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid event id %q", arg)
				}
				ids = append(ids, id)
			}
			ctx := cmd.Context()
			rt, closeFn, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			repo := outbox.NewRepository(rt.db.DB())
			for _, id := range ids {
				if err := repo.Requeue(ctx, id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}
	dlq.AddCommand(list, requeue)
	cmd.AddCommand(dlq)
	return cmd
}

func printTransaction(w io.Writer, tx *models.Transaction) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", tx.ID)
	fmt.Fprintf(tw, "restaurant\t%s\n", tx.RestaurantID)
	fmt.Fprintf(tw, "gateway\t%s\n", tx.GatewayType)
	fmt.Fprintf(tw, "provider id\t%s\n", tx.ProviderTransactionID)
	fmt.Fprintf(tw, "status\t%s (%s)\n", tx.Status, tx.LastRawStatus)
	fmt.Fprintf(tw, "amount\t%s %s\n", tx.Amount.StringFixed(2), tx.Currency)
	fmt.Fprintf(tw, "refunded\t%s\n", tx.RefundedAmount.StringFixed(2))
	if tx.NetAmount.Valid {
		fmt.Fprintf(tw, "net\t%s\n", tx.NetAmount.Decimal.StringFixed(2))
	}
	fmt.Fprintf(tw, "updated\t%s\n", tx.UpdatedAt.Format(time.RFC3339))
	_ = tw.Flush()
}

func printDeadLetters(w io.Writer, rows []models.OutboxDeadLetter) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no dead-lettered events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTYPE\tTRANSACTION\tREASON\tATTEMPTS\tFAILED AT")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			row.EventID, row.EventType, row.AggregateID, row.Reason, row.AttemptCount, row.FailedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func printRuns(w io.Writer, runs []cron.JobRun) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tRESULT\tDURATION\tCOUNTS")
	for _, run := range runs {
		result := "ok"
		if run.Err != nil {
			result = "failed: " + run.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", run.Job, result, run.Duration.Round(time.Millisecond), run.Report)
	}
	_ = tw.Flush()
}
