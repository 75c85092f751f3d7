package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/scout-cli/internal/ingest"
	"github.com/sells-group/scout-cli/internal/model"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a payload and score the prospects in it",
	Long:  "Creates a scan session from a file, stdin or inline text. With --wait (the default) the session runs to completion and its ranked results are printed.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		user, _ := cmd.Flags().GetString("user")
		source, _ := cmd.Flags().GetString("source")
		file, _ := cmd.Flags().GetString("file")
		text, _ := cmd.Flags().GetString("text")
		wait, _ := cmd.Flags().GetBool("wait")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		payload, err := readPayload(file, text, cmd.InOrStdin())
		if err != nil {
			return err
		}
		st := model.SourceType(source)
		if !st.Valid() {
			return eris.Errorf("scan: unknown source %q (pasted_text, csv, image_ocr, social_export)", source)
		}

		if dryRun {
			formatEntities(cmd.OutOrStdout(), ingest.NewNormalizer().Normalize(payload, st))
			return nil
		}

		env, err := initEnv(ctx, cfg, "scan")
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Pipeline.CreateSession(ctx, user, st, payload)
		if err != nil {
			return err
		}
		if !wait {
			fmt.Fprintf(cmd.OutOrStdout(), "session %s created (idle); run it with: scout-cli sessions run %s\n", sess.ID, sess.ID)
			return nil
		}

		return runAndReport(cmd, env, sess.ID)
	},
}

// runAndReport runs an idle session and prints its status and results.
func runAndReport(cmd *cobra.Command, env *scoutEnv, sessionID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	sess, runErr := env.Pipeline.Run(ctx, sessionID)
	if sess != nil {
		fmt.Fprintf(out, "session %s: %s (%d%%)\n", sess.ID, sess.Stage, sess.ProgressPercent)
		if sess.ErrorMessage != nil {
			fmt.Fprintf(out, "error: %s\n", *sess.ErrorMessage)
		}
	}
	if runErr != nil {
		return runErr
	}

	results, err := env.Pipeline.ListResults(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(os.Stderr, "No prospects found.")
		return nil
	}
	formatResults(out, results)
	return nil
}

// readPayload picks the payload from --file ("-" for stdin) or --text.
func readPayload(file, text string, stdin io.Reader) (string, error) {
	switch {
	case file != "" && text != "":
		return "", eris.New("scan: use either --file or --text, not both")
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", eris.Wrap(err, "scan: read stdin")
		}
		return string(b), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", eris.Wrapf(err, "scan: read %s", file)
		}
		return string(b), nil
	case text != "":
		return text, nil
	}
	return "", eris.New("scan: a payload is required (--file or --text)")
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatEntities(w io.Writer, entities []model.ExtractedEntity) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tEMAIL\tPHONE\tSOURCE")
	for _, e := range entities {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Position, deref(e.Name), deref(e.Email), deref(e.Phone), e.SourceTag)
	}
	tw.Flush() //nolint:errcheck
}

func formatResults(w io.Writer, results []model.ScoredResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tBUCKET\tNAME\tEMAIL\tPHONE\tOCCUPATION\tLOCATION\tINTENT")
	for _, r := range results {
		p := r.ProspectSnapshot
		tags := strings.Join(p.Signals.IntentTags, ",")
		if tags == "" {
			tags = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CompositeScore, r.Bucket,
			deref(p.Entity.Name), deref(p.Entity.Email), deref(p.Entity.Phone),
			p.Enrichment.LikelyOccupation, p.Enrichment.Location, tags,
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	scanCmd.Flags().String("user", "", "owner user id")
	scanCmd.Flags().String("source", string(model.SourcePastedText), "source type: pasted_text, csv, image_ocr, social_export")
	scanCmd.Flags().String("file", "", "payload file path, or - for stdin")
	scanCmd.Flags().String("text", "", "inline payload text")
	scanCmd.Flags().Bool("wait", true, "run the session and print results")
	scanCmd.Flags().Bool("dry-run", false, "print extracted contacts without creating a session")
	rootCmd.AddCommand(scanCmd)
}
