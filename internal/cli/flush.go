package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/store"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Retry conversions that failed to deliver",
	Long: `Send every pending conversion concurrently, as the pixel does on page load.
The pending list is cleared only if all of them were delivered.`,
	RunE: runFlush,
}

func init() {
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	if err := requireAPIKey(); err != nil {
		return err
	}

	return withStore(func(s *store.SQLiteStore) error {
		sess, err := newSession(s)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		w := cmd.OutOrStdout()
		n := sess.queue.Pending().Len()
		if n == 0 {
			fmt.Fprintln(w, "No pending events")
			return nil
		}

		if !sess.pixel.OnLoad(ctx) {
			return fmt.Errorf("flush failed; %d event(s) kept for the next attempt", sess.queue.Pending().Len())
		}
		fmt.Fprintf(w, "Delivered %d pending event(s)\n", n)
		return nil
	})
}
