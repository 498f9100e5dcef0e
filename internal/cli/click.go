package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/identity"
	"github.com/attribution-goat/attribution-goat/internal/propagate"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

var (
	clickHref       string
	clickDataHref   string
	clickElementID  string
	clickOutsideCTA bool
)

var clickCmd = &cobra.Command{
	Use:   "click",
	Short: "Follow a call-to-action link to the commerce domain",
	Long: `Simulate a click on a call-to-action link. Links to the commerce domain get
the current session, visitor and variation ids appended, a snapshot is
saved so the checkout side can recover them, and an unvalued conversion is
tracked for the click. Other links navigate unchanged.

Example:
  agt click --href "https://shop.example.com/cart/123:1" \
            --cookies "builderSessionId=abc; builder.tests.hero=v2"`,
	RunE: runClick,
}

func init() {
	clickCmd.Flags().StringVar(&clickHref, "href", "", "link href")
	clickCmd.Flags().StringVar(&clickDataHref, "data-href", "", "data-href fallback when href is empty")
	clickCmd.Flags().StringVar(&clickElementID, "element-id", "", "clicked element id")
	clickCmd.Flags().BoolVar(&clickOutsideCTA, "outside-cta", false, "the link is not inside the call-to-action container")
	rootCmd.AddCommand(clickCmd)
}

func runClick(cmd *cobra.Command, args []string) error {
	if clickHref == "" && clickDataHref == "" {
		return fmt.Errorf("--href or --data-href is required")
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

		var target string
		nav := propagate.NavigatorFunc(func(t string) error {
			target = t
			return sess.page.Navigate(t)
		})
		var recorded, delivered bool
		hook := func(ctx context.Context, id identity.Identity, dest string) {
			if cfg.APIKey == "" {
				logger.Info("no API key configured; click conversion not recorded", zap.String("destination", dest))
				return
			}
			delivered = sess.pixel.TrackClick(ctx, id, dest)
			recorded = true
		}

		p := propagate.New(sess.page, sess.resolver, cfg.Tracking.CommerceDomain, nav,
			propagate.WithDebounce(cfg.Links.ClickDebounce),
			propagate.WithOutboundHook(hook),
			propagate.WithLogger(logger),
		)

		handled := p.HandleClick(ctx, propagate.Click{
			ElementID: clickElementID,
			Href:      clickHref,
			DataHref:  clickDataHref,
			InCTA:     !clickOutsideCTA,
		})

		w := cmd.OutOrStdout()
		if !handled {
			href := clickHref
			if href == "" {
				href = clickDataHref
			}
			fmt.Fprintf(w, "Not a commerce link; default navigation to %s\n", href)
			return nil
		}
		switch {
		case delivered:
			fmt.Fprintln(w, "Click conversion delivered")
		case recorded:
			fmt.Fprintln(w, "Click conversion saved for retry; run 'agt flush'")
		}
		fmt.Fprintf(w, "Navigate: %s\n", target)
		return nil
	})
}
