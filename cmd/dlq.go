package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/resilience"
)

var (
	dlqErrorType string
	dlqLimit     int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered prospects",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered prospects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListDLQ(ctx, resilience.DLQFilter{
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list dlq")
		}

		if len(entries) == 0 {
			fmt.Println("dead letter queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROSPECT\tSTEP\tTYPE\tRETRIES\tERROR")
		for _, e := range entries {
			errMsg := e.Error
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				e.ID, e.Prospect.FullName, e.FailedStep, e.ErrorType,
				e.RetryCount, e.MaxRetries, errMsg)
		}
		return w.Flush()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Re-run retryable dead-lettered prospects as a new batch",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.ListDLQ(ctx, resilience.DLQFilter{
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list dlq")
		}

		var prospects []model.Prospect
		var requeued []string
		for _, e := range entries {
			if !e.CanRetry() {
				continue
			}
			prospects = append(prospects, e.Prospect)
			requeued = append(requeued, e.ID)
		}
		if len(prospects) == 0 {
			fmt.Println("no retryable entries")
			return nil
		}

		batch, err := env.Store.CreateBatch(ctx, prospects)
		if err != nil {
			return eris.Wrap(err, "create requeue batch")
		}

		for _, id := range requeued {
			if err := env.Store.RemoveDLQ(ctx, id); err != nil {
				zap.L().Warn("remove dlq entry", zap.String("id", id), zap.Error(err))
			}
		}

		zap.L().Info("requeued dead-lettered prospects",
			zap.String("batch_id", batch.ID),
			zap.Int("prospects", batch.Total),
		)

		result, err := env.Orchestrator.Run(ctx, batch)
		if err != nil {
			return err
		}
		zap.L().Info("requeue batch summary",
			zap.String("batch_id", result.BatchID),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
		return nil
	},
}

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqErrorType, "type", "", "filter by error type (transient or permanent)")
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 100, "max entries")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}
