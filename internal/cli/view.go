package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/pixel"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Record a page view on the checkout side",
	Long: `Run the page_viewed handler for the current page. When the URL carries
override parameters they are saved, so later pages of the checkout still
resolve the same ids. Any events left from earlier pages are flushed first,
as on a real page load.

Example:
  agt view --url "https://shop.example.com/products/x?builder.overrideSessionId=abc"`,
	RunE: runView,
}

func init() {
	rootCmd.AddCommand(viewCmd)
}

func runView(cmd *cobra.Command, args []string) error {
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
		if n := sess.queue.Pending().Len(); n > 0 && cfg.APIKey != "" {
			if sess.pixel.OnLoad(ctx) {
				fmt.Fprintf(w, "Flushed %d pending event(s)\n", n)
			}
		}

		bus := pixel.NewBus(logger)
		sess.pixel.Register(bus)
		if err := bus.Publish(ctx, pixel.AnalyticsEvent{Name: pixel.EventPageViewed}); err != nil {
			return err
		}

		fmt.Fprintf(w, "Viewed %s as %s\n", sess.page.Location(), sess.resolver.Resolve(sess.page))
		return nil
	})
}
