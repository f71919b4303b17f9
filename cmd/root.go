package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/resilience"
)

var (
	cfg      *config.Config
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "substack-intel",
	Short: "Newsletter company intelligence pipeline",
	Long:  "Ingests newsletter emails from a Gmail mailbox, extracts the companies they mention with an LLM, and records deduplicated companies and mentions per tenant.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c

		return eris.Wrap(config.InitLogger(cfg.Log), "init logger")
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCode maps a command error to the process exit status. Missing
// configuration exits 2 so deploy scripts can tell it from a failed run.
func exitCode(err error) int {
	var cfgErr *resilience.ConfigurationError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
