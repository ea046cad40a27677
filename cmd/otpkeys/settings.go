package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ogarcia/otp-keys/pkg/settings"
)

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsNotificationsCmd)
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Shows or changes preferences",
}

// settingsNotificationsCmd toggles change notices in watch
var settingsNotificationsCmd = &cobra.Command{
	Use:       "notifications [on|off]",
	Short:     "Shows or sets whether watch reports credential list changes",
	ValidArgs: []string{"on", "off"},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "notifications: %s\n", onOff(index.GetBool(settings.KeyNotifications)))
			return nil
		}
		enabled := args[0] == "on"
		if err := index.SetBool(settings.KeyNotifications, enabled); err != nil {
			return fmt.Errorf("failed to save setting: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "notifications: %s\n", onOff(enabled))
		return nil
	},
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
