package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/scout-cli/internal/model"
	"github.com/sells-group/scout-cli/internal/monitoring"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and run scan sessions",
}

// -- sessions status --

var sessionsStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show stage, progress and error of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := env.Pipeline.GetSessionStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), status)
	},
}

// -- sessions results --

var sessionsResultsCmd = &cobra.Command{
	Use:   "results <session-id>",
	Short: "List scored results, highest score first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Pipeline.ListResults(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeIndented(cmd.OutOrStdout(), results)
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No results found.")
			return nil
		}
		formatResults(cmd.OutOrStdout(), results)
		return nil
	},
}

// -- sessions events --

var sessionsEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "List progress events of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Pipeline.ListEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatEvents(cmd.OutOrStdout(), events)
		return nil
	},
}

// -- sessions entities --

var sessionsEntitiesCmd = &cobra.Command{
	Use:   "entities <session-id>",
	Short: "List contacts extracted for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		entities, err := env.Pipeline.ListEntities(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatEntities(cmd.OutOrStdout(), entities)
		return nil
	},
}

// -- sessions run --

var sessionsRunCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Run an idle session to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		return runAndReport(cmd, env, args[0])
	},
}

// -- sessions stats --

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session counts and failure rate over a lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), cfg, "maintenance")
		if err != nil {
			return err
		}
		defer env.Close()

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		staleAfter := time.Duration(cfg.Reconcile.StaleAfterMins) * time.Minute

		ioTimeout := time.Duration(cfg.Pipeline.IOTimeoutSecs) * time.Second
		snap, err := monitoring.NewCollector(env.Store, staleAfter, monitoring.WithQueryTimeout(ioTimeout)).
			Collect(cmd.Context(), hours)
		if err != nil {
			return err
		}
		formatSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatEvents(w io.Writer, events []model.ProgressEvent) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTAGE\tPROGRESS\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Stage, ev.ProgressPercent, ev.Message,
		)
	}
	tw.Flush() //nolint:errcheck
}

func formatSnapshot(w io.Writer, snap *monitoring.MetricsSnapshot) {
	fmt.Fprintf(w, "Sessions (last %dh): %d total, %d complete, %d failed, %d idle, %d in flight\n",
		snap.LookbackHours, snap.SessionsTotal, snap.SessionsComplete, snap.SessionsFailed,
		snap.SessionsIdle, snap.SessionsInFlight,
	)
	fmt.Fprintf(w, "Failure rate: %.1f%%\n", snap.FailRate*100)
	fmt.Fprintf(w, "Stale sessions (>%dm): %d\n", snap.StaleAfterMins, snap.StaleSessions)

	if len(snap.ByStage) == 0 {
		return
	}
	stages := make([]model.Stage, 0, len(snap.ByStage))
	for st := range snap.ByStage {
		stages = append(stages, st)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tCOUNT")
	for _, st := range stages {
		fmt.Fprintf(tw, "%s\t%d\n", st, snap.ByStage[st])
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	sessionsResultsCmd.Flags().Bool("json", false, "print results as JSON")
	sessionsStatsCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")

	sessionsCmd.AddCommand(sessionsStatusCmd)
	sessionsCmd.AddCommand(sessionsResultsCmd)
	sessionsCmd.AddCommand(sessionsEventsCmd)
	sessionsCmd.AddCommand(sessionsEntitiesCmd)
	sessionsCmd.AddCommand(sessionsRunCmd)
	sessionsCmd.AddCommand(sessionsStatsCmd)
	rootCmd.AddCommand(sessionsCmd)
}
