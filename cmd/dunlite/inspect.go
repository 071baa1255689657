package main

import (
	"fmt"
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/davidroman0O/dunlite"
)

var (
	inspectMerchant string
	inspectLimit    int
	ratioProfile    string
	ratioConnector  string
	ratioMethod     string
	ratioCurrency   string
	ratioLookback   time.Duration
)

var inspectCommand = &cobra.Command{
	Use:   "inspect [recovery-id]",
	Short: "Dump recovery records from the durable store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := setupLogger()

		engine, err := openEngine(ctx, logger)
		if err != nil {
			return err
		}
		defer engine.Close()

		if len(args) == 1 {
			rec, err := engine.GetRecovery(ctx, dunlite.RecoveryID(args[0]))
			if err != nil {
				return err
			}
			pp.Println(rec)
			return nil
		}

		if inspectMerchant == "" {
			return fmt.Errorf("a recovery id or --merchant is required")
		}
		recs, err := engine.ListRecoveries(ctx, inspectMerchant, nil, inspectLimit)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			pp.Println(rec)
		}
		return nil
	},
}

var ratioCommand = &cobra.Command{
	Use:   "ratio",
	Short: "Show the observed success ratio for one routing dimension",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := setupLogger()

		engine, err := openEngine(ctx, logger)
		if err != nil {
			return err
		}
		defer engine.Close()

		ratio, err := engine.ObservedSuccessRatio(ctx, dunlite.WindowKey{
			ProfileID:     ratioProfile,
			Connector:     ratioConnector,
			PaymentMethod: ratioMethod,
			Currency:      ratioCurrency,
		}, ratioLookback)
		if err != nil {
			return err
		}
		fmt.Printf("%.4f\n", ratio)
		return nil
	},
}

func init() {
	rootCommand.AddCommand(inspectCommand)
	inspectCommand.Flags().StringVar(&inspectMerchant, "merchant", "", "List records for this merchant")
	inspectCommand.Flags().IntVar(&inspectLimit, "limit", 50, "Maximum records to list")

	rootCommand.AddCommand(ratioCommand)
	ratioCommand.Flags().StringVar(&ratioProfile, "profile", "", "Profile id")
	ratioCommand.Flags().StringVar(&ratioConnector, "connector", "", "Connector name")
	ratioCommand.Flags().StringVar(&ratioMethod, "payment-method", "", "Payment method")
	ratioCommand.Flags().StringVar(&ratioCurrency, "currency", "", "Currency code")
	ratioCommand.Flags().DurationVar(&ratioLookback, "lookback", 24*time.Hour, "Trailing range to aggregate over")
}
