package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/store"
)

var opsUser string

// -- reset --

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return failed or stuck emails to the processing queue",
}

var resetFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Reset every failed email of a tenant to unprocessed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, config.ModeSync)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Orchestrator.ResetFailed(ctx, userOrDefault(opsUser))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Reset %d failed email(s).\n", n)
		return nil
	},
}

var resetEmailCmd = &cobra.Command{
	Use:   "email <email-id>",
	Short: "Reset one failed or stuck email to unprocessed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, config.ModeSync)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orchestrator.ResetEmail(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Email %s reset.\n", args[0])
		return nil
	},
}

// -- unlock --

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force-release a tenant's pipeline lock and requeue stuck emails",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, config.ModeSync)
		if err != nil {
			return err
		}
		defer env.Close()

		user := userOrDefault(opsUser)
		if err := env.Orchestrator.Unlock(ctx, user); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Pipeline for %s unlocked.\n", user)
		return nil
	},
}

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress and email counts for a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, config.ModeRead)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		user := userOrDefault(opsUser)
		p, err := st.GetProgress(ctx, user)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if p == nil {
			idle := model.IdleProgress(user)
			p = &idle
		}
		counts, err := st.CountEmailsByStatus(ctx, user)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		formatStatus(os.Stdout, *p, counts)
		return nil
	},
}

func formatStatus(w io.Writer, p model.Progress, counts map[model.EmailStatus]int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "User:\t%s\n", p.UserID)
	fmt.Fprintf(tw, "Status:\t%s (%d%%)\n", p.Status, p.Progress)
	fmt.Fprintf(tw, "Message:\t%s\n", p.Message)
	if p.RunID != "" {
		fmt.Fprintf(tw, "Run:\t%s\n", p.RunID)
	}
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(tw, "Updated:\t%s\n", p.UpdatedAt.Format(time.RFC3339))
	}
	if p.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", p.LastError)
	}
	fmt.Fprintln(tw)
	for _, s := range []model.EmailStatus{
		model.EmailStatusUnprocessed,
		model.EmailStatusProcessing,
		model.EmailStatusCompleted,
		model.EmailStatusFailed,
	} {
		fmt.Fprintf(tw, "%s:\t%d\n", s, counts[s])
	}
	tw.Flush() //nolint:errcheck
}

// -- companies --

var companiesLimit int

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "List a tenant's companies by mention count",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, config.ModeRead)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		companies, err := st.ListCompanies(ctx, store.CompanyFilter{
			UserID: userOrDefault(opsUser),
			Limit:  companiesLimit,
		})
		if err != nil {
			return eris.Wrap(err, "companies")
		}
		if len(companies) == 0 {
			fmt.Fprintln(os.Stderr, "No companies found.")
			return nil
		}
		formatCompanies(os.Stdout, companies)
		return nil
	},
}

func formatCompanies(w io.Writer, companies []model.Company) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFUNDING\tMENTIONS\tNEWSLETTERS\tINDUSTRY\tLAST SEEN")
	for _, c := range companies {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			c.ID, c.Name, c.FundingStatus, c.MentionCount, c.NewsletterDiversity,
			strings.Join(c.Industry, ","), c.LastUpdatedAt.Format("2006-01-02"))
	}
	tw.Flush() //nolint:errcheck
}

// -- migrate --

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cmd.Context(), config.ModeMigrate)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintln(os.Stdout, "Migrations applied.")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{resetFailedCmd, resetEmailCmd, unlockCmd, statusCmd, companiesCmd} {
		c.Flags().StringVar(&opsUser, "user", "", "tenant user id (default gmail.user_id)")
	}
	companiesCmd.Flags().IntVar(&companiesLimit, "limit", 50, "max companies to list")

	resetCmd.AddCommand(resetFailedCmd, resetEmailCmd)
	rootCmd.AddCommand(resetCmd, unlockCmd, statusCmd, companiesCmd, migrateCmd)
}
