package main

import (
	"github.com/spf13/cobra"

	"ims/api/internal/email"
	"ims/api/internal/reminder"
)

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Review reminder emails",
}

var remindersRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send due review reminders once",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		mailer := email.NewService(email.ConfigFrom(cfg))
		service := reminder.New(rt.store, mailer, reminder.Options{
			WindowDays: cfg.ReminderWindowDays,
			PublicURL:  cfg.PublicURL,
		})
		stats, err := service.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	remindersCmd.AddCommand(remindersRunCmd)
	rootCmd.AddCommand(remindersCmd)
}
