package main

import (
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/davidroman0O/dunlite"
)

var cancelCommand = &cobra.Command{
	Use:   "cancel <recovery-id>",
	Short: "Cancel an in-flight recovery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := setupLogger()

		engine, err := openEngine(ctx, logger)
		if err != nil {
			return err
		}
		defer engine.Close()

		rec, err := engine.CancelRecovery(ctx, dunlite.RecoveryID(args[0]))
		if err != nil {
			return err
		}
		pp.Println(rec)
		return nil
	},
}

func init() {
	rootCommand.AddCommand(cancelCommand)
}
