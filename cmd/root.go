package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/scout-cli/internal/config"
)

var (
	cfg *config.Config

	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "scout-cli",
	Short:         "Scan-to-score prospect pipeline",
	Long:          "Turns pasted text, CSV exports, OCR lines and social exports into ranked prospects, scored with weights each user's outcomes keep tuning.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "scout: load config")
		}
		applyLogFlags(&loaded.Log)
		cfg = loaded

		return eris.Wrap(config.InitLogger(cfg.Log), "scout: init logger")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyLogFlags lets --log-level and --log-format win over file and env.
func applyLogFlags(lc *config.LogConfig) {
	if logLevel != "" {
		lc.Level = logLevel
	}
	if logFormat != "" {
		lc.Format = logFormat
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log.format (json, console)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scout-cli:", err)
		os.Exit(1)
	}
}
