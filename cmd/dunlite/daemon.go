package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidroman0O/dunlite"
)

var sweepInterval time.Duration

var daemonCommand = &cobra.Command{
	Use:   "daemon",
	Short: "Run the recovery engine as a background service",
	Long: `Starts the engine, re-arms every recovery whose retry came due while
the process was down, and keeps sweeping for due recoveries so nothing
is lost to a missed in-memory schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("gateway-url") == "" {
			return fmt.Errorf("required flag \"gateway-url\" not set")
		}

		ctx := cmd.Context()
		logger := setupLogger()

		engine, err := dunlite.New(ctx,
			dunlite.WithPath(viper.GetString("db")),
			dunlite.WithGateway(newHTTPGateway(viper.GetString("gateway-url"))),
			dunlite.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.ResumeDueRecoveries(ctx); err != nil {
			logger.Error(ctx, "initial resume sweep failed", "error", err)
		}

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		logger.Info(ctx, "daemon started", "db", viper.GetString("db"), "sweep_interval", sweepInterval)
		for {
			select {
			case <-ticker.C:
				if err := engine.ResumeDueRecoveries(ctx); err != nil {
					logger.Error(ctx, "resume sweep failed", "error", err)
				}
			case <-sigChan:
				logger.Warn(ctx, "shutting down on system signal")
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

func init() {
	rootCommand.AddCommand(daemonCommand)
	daemonCommand.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "How often to sweep for due recoveries")
}

func openEngine(ctx context.Context, logger dunlite.Logger) (*dunlite.RecoveryEngine, error) {
	gw := dunlite.PaymentGateway(noopGateway{})
	if url := viper.GetString("gateway-url"); url != "" {
		gw = newHTTPGateway(url)
	}
	return dunlite.New(ctx,
		dunlite.WithPath(viper.GetString("db")),
		dunlite.WithGateway(gw),
		dunlite.WithLogger(logger),
	)
}

// noopGateway lets read-only commands open the engine without a configured
// gateway endpoint.
type noopGateway struct{}

func (noopGateway) AttemptCharge(ctx context.Context, paymentID, attemptID string) (dunlite.ChargeResult, error) {
	return dunlite.ChargeResult{}, fmt.Errorf("no gateway configured")
}
