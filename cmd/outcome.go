package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/scout-cli/internal/model"
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Record a closed or ignored outcome and adapt the user's weights",
	RunE: func(cmd *cobra.Command, _ []string) error {
		user, _ := cmd.Flags().GetString("user")
		feature, _ := cmd.Flags().GetString("feature")
		outcome, _ := cmd.Flags().GetString("outcome")
		value, _ := cmd.Flags().GetFloat64("value")

		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		uw, err := env.Weights.RecordOutcome(cmd.Context(), user, model.Feature(feature), model.Outcome(outcome), value)
		if err != nil {
			return err
		}
		formatWeights(cmd.OutOrStdout(), uw)
		return nil
	},
}

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Inspect or reset a user's weight vector",
}

var weightsShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show the current weight vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		uw, err := env.Weights.Current(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatWeights(cmd.OutOrStdout(), uw)
		return nil
	},
}

var weightsResetCmd = &cobra.Command{
	Use:   "reset <user-id>",
	Short: "Restore the default weight vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		uw, err := env.Weights.Reset(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		formatWeights(cmd.OutOrStdout(), uw)
		return nil
	},
}

var weightsEventsCmd = &cobra.Command{
	Use:   "events <user-id>",
	Short: "List recent weight updates, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		events, err := env.Weights.Events(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		formatWeightEvents(cmd.OutOrStdout(), events)
		return nil
	},
}

func formatWeights(w io.Writer, uw *model.UserWeights) {
	fmt.Fprintf(w, "user %s (version %d)\n", uw.UserID, uw.Version)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tWEIGHT")
	for _, f := range model.Features() {
		fmt.Fprintf(tw, "%s\t%.4f\n", f, uw.Weights.Get(f))
	}
	fmt.Fprintf(tw, "total\t%.4f\n", uw.Weights.Sum())
	tw.Flush() //nolint:errcheck
}

func formatWeightEvents(w io.Writer, events []model.WeightUpdateEvent) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tFEATURE\tOUTCOME\tVALUE\tDELTA")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%+.4f\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Feature, ev.Outcome, ev.FeatureValueAtTime, ev.AppliedDelta,
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	outcomeCmd.Flags().String("user", "", "user id")
	outcomeCmd.Flags().String("feature", "", "feature name (e.g. buyingPower)")
	outcomeCmd.Flags().String("outcome", "", "closed or ignored")
	outcomeCmd.Flags().Float64("value", 0, "feature value at the time of the outcome, in [0,1]")
	_ = outcomeCmd.MarkFlagRequired("user")
	_ = outcomeCmd.MarkFlagRequired("feature")
	_ = outcomeCmd.MarkFlagRequired("outcome")
	_ = outcomeCmd.MarkFlagRequired("value")
	rootCmd.AddCommand(outcomeCmd)

	weightsEventsCmd.Flags().Int("limit", 20, "maximum events to show")
	weightsCmd.AddCommand(weightsShowCmd)
	weightsCmd.AddCommand(weightsResetCmd)
	weightsCmd.AddCommand(weightsEventsCmd)
	rootCmd.AddCommand(weightsCmd)
}
