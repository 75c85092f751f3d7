package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Force-complete stale sessions whose work already finished",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), cfg, "maintenance")
		if err != nil {
			return err
		}
		defer env.Close()

		staleAfter, _ := cmd.Flags().GetDuration("stale-after")
		if staleAfter <= 0 {
			staleAfter = time.Duration(cfg.Reconcile.StaleAfterMins) * time.Minute
		}

		fixed, err := env.Pipeline.ReconcileStaleSessions(cmd.Context(), staleAfter)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d session(s)\n", fixed)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().Duration("stale-after", 0, "age after which a non-terminal session is stale (default from config)")
	rootCmd.AddCommand(reconcileCmd)
}
