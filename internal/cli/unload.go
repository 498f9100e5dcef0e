package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/store"
)

var unloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Beacon pending conversions and clear them",
	Long: `Send every pending conversion once, without retries, and clear the pending
list right away, as the pixel does when the page unloads. Beacons that fail
are lost.`,
	RunE: runUnload,
}

func init() {
	rootCmd.AddCommand(unloadCmd)
}

func runUnload(cmd *cobra.Command, args []string) error {
	if err := requireAPIKey(); err != nil {
		return err
	}

	return withStore(func(s *store.SQLiteStore) error {
		sess, err := newSession(s)
		if err != nil {
			return err
		}

		n := sess.pixel.OnUnload()

		// The process is about to exit, so give the beacons one attempt
		// timeout to finish.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.AttemptTimeout)
		defer cancel()
		if err := sess.client.Wait(ctx); err != nil {
			logger.Warn("beacons still in flight at exit")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Beaconed %d event(s)\n", n)
		return nil
	})
}
