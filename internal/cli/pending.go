package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/store"
)

var (
	pendingJSON  bool
	pendingClear bool
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List conversions waiting for delivery",
	RunE:  runPending,
}

func init() {
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "print the raw events as JSON")
	pendingCmd.Flags().BoolVar(&pendingClear, "clear", false, "drop all pending events")
	rootCmd.AddCommand(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		sess, err := newSession(s)
		if err != nil {
			return err
		}
		pending := sess.queue.Pending()
		w := cmd.OutOrStdout()

		if pendingClear {
			n := pending.Len()
			if err := pending.Clear(); err != nil {
				return fmt.Errorf("failed to clear pending events: %w", err)
			}
			fmt.Fprintf(w, "Dropped %d pending event(s)\n", n)
			return nil
		}

		events := pending.Load()
		if pendingJSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		}

		if len(events) == 0 {
			fmt.Fprintln(w, "No pending events")
			return nil
		}

		fmt.Fprintln(w, "CLIENT EVENT ID                       AMOUNT     CURRENCY  IDS")
		fmt.Fprintln(w, strings.Repeat("─", 80))
		for _, ev := range events {
			fmt.Fprintf(w, "%-36s  %-9.2f  %-8s  %s\n",
				ev.ClientEventID(), ev.Data.Amount, ev.Currency(), ev.Identity())
		}
		return nil
	})
}
