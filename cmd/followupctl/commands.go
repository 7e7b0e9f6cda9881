package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/followup-engine/internal/ingest"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/service"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply outstanding schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the datastore already migrated it.
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func (c *cli) seedConfigCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "seed-config",
		Short: "Store the default followup policy record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seeded, err := c.app.SeedConfig(cmd.Context(), overwrite)
			if err != nil {
				return err
			}
			if seeded {
				fmt.Fprintln(cmd.OutOrStdout(), "followup config seeded")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "followup config already present")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing record")
	return cmd
}

func (c *cli) mailboxCmd() *cobra.Command {
	mailbox := &cobra.Command{Use: "mailbox", Short: "Manage sending mailboxes"}

	var name string
	add := &cobra.Command{
		Use:   "add <email>",
		Short: "Register an active sending mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.app.RegisterMailbox(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	mailbox.AddCommand(add)
	return mailbox
}

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run <time-slot|bounce-sweep|maintenance>",
		Short:     "Run one engine trigger and print its summary",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"time-slot", "bounce-sweep", "maintenance"},
		RunE: func(cmd *cobra.Command, args []string) error {
			trig, err := service.ParseTrigger(strings.ReplaceAll(args[0], "-", "_"))
			if err != nil {
				return err
			}
			engine, err := c.app.Engine(cmd.Context())
			if err != nil {
				return err
			}
			sum, err := engine.Run(cmd.Context(), trig)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}

func (c *cli) bouncesCmd() *cobra.Command {
	bounces := &cobra.Command{Use: "bounces", Short: "Ingest delivery status notifications"}

	bounces.AddCommand(&cobra.Command{
		Use:   "import-mbox <file>",
		Short: "Store every bounce found in an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ingest.ImportMbox(cmd.Context(), args[0], c.app.Bounces(), c.app.Logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	})

	bounces.AddCommand(&cobra.Command{
		Use:   "fetch-imap",
		Short: "Store bounces from unseen messages in the configured IMAP folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.app.IMAPFetcher()
			if err != nil {
				return err
			}
			st, err := f.Fetch(cmd.Context(), c.app.Bounces())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	})
	return bounces
}

func (c *cli) emailCmd() *cobra.Command {
	email := &cobra.Command{Use: "email", Short: "Operate on tracked emails"}

	var (
		mailboxID int64
		from      string
		to        string
		subject   string
		messageID string
		nativeID  string
	)
	track := &cobra.Command{
		Use:   "track",
		Short: "Register a sent email for follow-up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := &model.TrackedEmail{
				MailboxID:         mailboxID,
				SenderEmail:       from,
				RecipientEmail:    to,
				Subject:           subject,
				InternetMessageID: messageID,
				NativeMessageID:   nativeID,
				SentAt:            time.Now().UTC(),
			}
			if err := c.app.Admin().Track(cmd.Context(), e); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
	track.Flags().Int64Var(&mailboxID, "mailbox-id", 0, "sending mailbox id")
	track.Flags().StringVar(&from, "from", "", "sender address")
	track.Flags().StringVar(&to, "to", "", "recipient address")
	track.Flags().StringVar(&subject, "subject", "", "original subject")
	track.Flags().StringVar(&messageID, "message-id", "", "RFC 5322 Message-ID of the original")
	track.Flags().StringVar(&nativeID, "native-id", "", "provider message id used for replies")
	_ = track.MarkFlagRequired("mailbox-id")
	_ = track.MarkFlagRequired("to")

	stop := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop follow-ups for a tracked email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			e, err := c.app.Admin().Stop(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}

	resume := &cobra.Command{
		Use:   "resume <id>",
		Short: "Return a stopped, bounced or finished email to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			e, err := c.app.Admin().Resume(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}

	email.AddCommand(track, stop, resume)
	return email
}
