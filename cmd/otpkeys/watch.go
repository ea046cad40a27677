package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogarcia/otp-keys/pkg/directory"
	"github.com/ogarcia/otp-keys/pkg/otp"
	"github.com/ogarcia/otp-keys/pkg/settings"
)

// Every supported period is a multiple of this step, so codes only roll over
// on its boundaries.
const watchStep = otp.DefaultPeriod

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Prints codes continuously until interrupted",
	Long: `Prints every code and reprints them whenever they roll over. Changes made
to the credential index by another process are picked up while watching.
Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := ensureUnlocked(ctx); err != nil {
			return err
		}
		defer store.Lock()

		if err := index.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch credential index: %w", err)
		}

		changed := make(chan directory.Change, 1)
		cancel := dir.Subscribe(func(c directory.Change) {
			select {
			case changed <- c:
			default:
			}
		})
		defer cancel()

		notify := func() bool { return index.GetBool(settings.KeyNotifications) }
		return runWatch(ctx, cmd.OutOrStdout(), dir, notify, changed, time.Second, time.Now)
	},
}

// runWatch renders codes at start, on every step boundary and after every
// list change, until ctx is done.
func runWatch(ctx context.Context, w io.Writer, d *directory.Directory, notify func() bool,
	changed <-chan directory.Change, interval time.Duration, now func() time.Time) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var step int64 = -1
	render := func(t time.Time) error {
		step = t.Unix() / watchStep
		fmt.Fprintf(w, "--- %s ---\n", t.Format(time.TimeOnly))
		return printCodes(w, d, identities(d), t)
	}

	if err := render(now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if notify() {
				fmt.Fprintf(w, "Credential list changed: %d credential(s)\n", d.Len())
			}
			if err := render(now()); err != nil {
				return err
			}
		case <-ticker.C:
			t := now()
			if t.Unix()/watchStep == step {
				continue
			}
			if err := render(t); err != nil {
				return err
			}
		}
	}
}
