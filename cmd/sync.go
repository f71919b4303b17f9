package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/mailbox"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/pipeline"
)

var (
	syncUser      string
	syncAll       bool
	syncRefresh   bool
	syncLookback  int
	syncBatchSize int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the pipeline once: fetch newsletters, extract companies, record mentions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, config.ModeSync)
		if err != nil {
			return err
		}
		defer env.Close()

		if syncAll {
			sums, err := env.Orchestrator.RunAll(ctx, model.TriggerCLI)
			if encErr := writeJSONOut(os.Stdout, sums); encErr != nil {
				return encErr
			}
			return eris.Wrap(err, "sync all")
		}

		sum, err := env.Orchestrator.Run(ctx, pipeline.RunRequest{
			UserID:       userOrDefault(syncUser),
			Trigger:      model.TriggerCLI,
			ForceRefresh: syncRefresh,
			LookbackDays: clampLookbackFlag(syncLookback),
			BatchSize:    syncBatchSize,
		})
		if sum != nil {
			if encErr := writeJSONOut(os.Stdout, sum); encErr != nil {
				return encErr
			}
		}
		return eris.Wrap(err, "sync")
	},
}

// userOrDefault returns user, or the configured mailbox user when empty.
func userOrDefault(user string) string {
	if user != "" {
		return user
	}
	return cfg.Gmail.UserID
}

func clampLookbackFlag(days int) int {
	if days == 0 {
		return 0
	}
	return mailbox.ClampLookback(days)
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func init() {
	syncCmd.Flags().StringVar(&syncUser, "user", "", "tenant user id (default gmail.user_id)")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "run for every tenant")
	syncCmd.Flags().BoolVar(&syncRefresh, "refresh", true, "fetch new messages from the mailbox before processing")
	syncCmd.Flags().IntVar(&syncLookback, "lookback", 0, "days of mail to fetch, 1-90 (default pipeline.default_lookback_days)")
	syncCmd.Flags().IntVar(&syncBatchSize, "batch-size", 0, "max emails to process (default pipeline.batch_size)")
	rootCmd.AddCommand(syncCmd)
}
