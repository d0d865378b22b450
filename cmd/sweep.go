package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/idempotency"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired idempotency ledger records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		ledger := idempotency.New(st, idempotency.Config{
			ProcessingTTL: time.Duration(cfg.Idempotency.ProcessingTTLSecs) * time.Second,
			CompletedTTL:  time.Duration(cfg.Idempotency.CompletedTTLSecs) * time.Second,
		})

		removed, err := ledger.Sweep(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("ledger sweep complete", zap.Int("removed", removed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
