package main

import (
	"fmt"
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/davidroman0O/dunlite"
)

var (
	backfillMerchant string
	backfillAge      time.Duration
	backfillResume   string
)

var backfillCommand = &cobra.Command{
	Use:   "backfill",
	Short: "Reconcile the recovery cache mirror against durable state",
	Long: `Scans a merchant's recovery records and re-mirrors every cache entry
that is missing, expired, or mirrored from an older version. Pass
--resume with a run id to continue an interrupted run from its cursor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := setupLogger()

		engine, err := openEngine(ctx, logger)
		if err != nil {
			return err
		}
		defer engine.Close()

		var run *dunlite.BackfillRun
		if backfillResume != "" {
			run, err = engine.ResumeBackfill(ctx, dunlite.BackfillID(backfillResume))
		} else {
			if backfillMerchant == "" {
				return fmt.Errorf("required flag \"merchant\" not set")
			}
			run, err = engine.DataBackfill(ctx, backfillMerchant, time.Now().UTC().Add(-backfillAge))
		}
		if run != nil {
			pp.Println(run)
		}
		return err
	},
}

func init() {
	rootCommand.AddCommand(backfillCommand)
	backfillCommand.Flags().StringVar(&backfillMerchant, "merchant", "", "Merchant whose records are reconciled")
	backfillCommand.Flags().DurationVar(&backfillAge, "older-than", 0, "Only reconcile records created at least this long ago")
	backfillCommand.Flags().StringVar(&backfillResume, "resume", "", "Backfill run id to resume")
}
