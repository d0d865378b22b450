package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <batch-id>",
	Short: "Resume an interrupted batch from its first incomplete step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		batch, err := env.Store.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "load batch %s", args[0])
		}

		zap.L().Info("resuming batch",
			zap.String("batch_id", batch.ID),
			zap.String("previous_status", string(batch.Status)),
			zap.Int("prospects", batch.Total),
		)

		result, err := env.Orchestrator.Run(ctx, batch)
		if err != nil {
			return err
		}

		zap.L().Info("batch summary",
			zap.String("batch_id", result.BatchID),
			zap.String("status", string(result.Status)),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
