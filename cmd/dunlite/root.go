package main

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidroman0O/dunlite"
)

var (
	dbPath     string
	gatewayURL string
	logLevel   string
)

var rootCommand = &cobra.Command{
	Use:   "dunlite",
	Short: "Dunlite: adaptive payment retry orchestrator",
	Long: `Dunlite drives dunning recoveries for failed recurring-payment
collections: it schedules retries with fixed, exponential or
success-rate-adaptive backoff, enforces a per-recovery retry budget,
and mirrors recovery state into a fast-path cache.`,
}

func Execute() error {
	return rootCommand.Execute()
}

func init() {
	rootCommand.PersistentFlags().StringVar(&dbPath, "db", "dunlite.db", "Path to the sqlite database file")
	rootCommand.PersistentFlags().StringVar(&gatewayURL, "gateway-url", "", "Payment gateway endpoint charges are posted to")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")

	_ = viper.BindPFlag("db", rootCommand.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("gateway-url", rootCommand.PersistentFlags().Lookup("gateway-url"))
	_ = viper.BindPFlag("log-level", rootCommand.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("DUNLITE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogger() dunlite.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(viper.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return dunlite.NewTintLogger(level)
}
