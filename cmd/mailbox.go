package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/mailbox"
	"github.com/sells-group/substack-intel/internal/model"
)

var (
	mailboxUser  string
	mailboxEmail string
)

var mailboxCmd = &cobra.Command{
	Use:   "mailbox",
	Short: "Manage tenant mailbox credentials",
}

var mailboxTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Check that a tenant's mailbox credential can list messages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, config.ModeRead)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		user := userOrDefault(mailboxUser)
		conn, err := mailbox.NewConnectorFactory(cfg.Gmail, st).ForUser(ctx, user)
		if err != nil {
			return eris.Wrapf(err, "mailbox test %s", user)
		}
		ok, err := conn.TestConnection(ctx)
		if err != nil {
			return eris.Wrapf(err, "mailbox test %s", user)
		}
		if !ok {
			return eris.Errorf("mailbox test %s: connection refused", user)
		}
		fmt.Fprintf(os.Stdout, "Mailbox for %s OK.\n", user)
		return nil
	},
}

var mailboxSaveCmd = &cobra.Command{
	Use:   "save-token <refresh-token>",
	Short: "Store a Gmail OAuth refresh token for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := strings.TrimSpace(args[0])
		if token == "" {
			return eris.New("mailbox save-token: refresh token is empty")
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, config.ModeRead)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		user := userOrDefault(mailboxUser)
		if user == "" {
			return eris.New("mailbox save-token: --user is required")
		}
		err = st.SaveMailboxCredential(ctx, model.MailboxCredential{
			UserID:       user,
			Provider:     "gmail",
			EmailAddress: mailboxEmail,
			RefreshToken: token,
			UpdatedAt:    time.Now().UTC(),
		})
		if err != nil {
			return eris.Wrapf(err, "mailbox save-token %s", user)
		}
		fmt.Fprintf(os.Stdout, "Credential saved for %s.\n", user)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{mailboxTestCmd, mailboxSaveCmd} {
		c.Flags().StringVar(&mailboxUser, "user", "", "tenant user id (default gmail.user_id)")
	}
	mailboxSaveCmd.Flags().StringVar(&mailboxEmail, "email", "", "mailbox address, for display")

	mailboxCmd.AddCommand(mailboxTestCmd, mailboxSaveCmd)
	rootCmd.AddCommand(mailboxCmd)
}
