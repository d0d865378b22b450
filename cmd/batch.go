package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/loader"
)

var batchFile string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Research a batch of prospects from a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if batchFile == "" {
			return eris.New("--file is required")
		}

		prospects, err := loader.FromFile(batchFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		batch, err := env.Store.CreateBatch(ctx, prospects)
		if err != nil {
			return eris.Wrap(err, "create batch")
		}

		zap.L().Info("starting batch",
			zap.String("batch_id", batch.ID),
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
	batchCmd.Flags().StringVar(&batchFile, "file", "", "prospect list (.csv or .xlsx)")
	rootCmd.AddCommand(batchCmd)
}
