package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/pixel"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

var (
	trackAmount        string
	trackCurrency      string
	trackMeta          []string
	trackOrderID       string
	trackCheckoutToken string
	trackEventID       string
	trackClientID      string
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Track a conversion from the current page",
	Long: `Track a conversion as the checkout pixel would. Delivery is retried with
exponential backoff; if it still fails the event is kept for 'agt flush'.

With --order-id or --checkout-token the conversion goes through the
checkout_completed handler, which adds the order metadata.

Examples:
  agt track --amount 49.99 --currency USD --cookies "builderSessionId=abc"
  agt track --amount 120 --currency CAD --checkout-token t0k3n \
            --url "https://shop.example.com/thank-you?builder.overrideVariationId=v2"`,
	RunE: runTrack,
}

func init() {
	trackCmd.Flags().StringVarP(&trackAmount, "amount", "a", "", "conversion amount (required)")
	trackCmd.Flags().StringVarP(&trackCurrency, "currency", "c", "USD", "currency code")
	trackCmd.Flags().StringArrayVarP(&trackMeta, "meta", "m", nil, "extra metadata as key=value (repeatable)")
	trackCmd.Flags().StringVar(&trackOrderID, "order-id", "", "order id (checkout_completed)")
	trackCmd.Flags().StringVar(&trackCheckoutToken, "checkout-token", "", "checkout token (checkout_completed)")
	trackCmd.Flags().StringVar(&trackEventID, "event-id", "", "analytics event id (checkout_completed)")
	trackCmd.Flags().StringVar(&trackClientID, "client-id", "", "analytics client id (checkout_completed)")
	trackCmd.MarkFlagRequired("amount")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	if err := requireAPIKey(); err != nil {
		return err
	}
	meta, err := parseMeta(trackMeta)
	if err != nil {
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

		var delivered bool
		if trackOrderID != "" || trackCheckoutToken != "" {
			bus := pixel.NewBus(logger)
			sess.pixel.Register(bus)
			before := sess.queue.Pending().Len()
			err = bus.Publish(ctx, pixel.AnalyticsEvent{
				ID:       trackEventID,
				ClientID: trackClientID,
				Name:     pixel.EventCheckoutCompleted,
				Checkout: &pixel.Checkout{
					Token:      trackCheckoutToken,
					OrderID:    trackOrderID,
					TotalPrice: pixel.Money{Amount: trackAmount, CurrencyCode: trackCurrency},
				},
			})
			delivered = err == nil && sess.queue.Pending().Len() == before
		} else {
			delivered, err = sess.pixel.TrackConversion(ctx, pixel.ConversionInput{
				Amount:   trackAmount,
				Currency: trackCurrency,
				Meta:     meta,
			})
		}
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if delivered {
			fmt.Fprintf(w, "Conversion delivered (%s %s)\n", trackAmount, trackCurrency)
			return nil
		}
		fmt.Fprintf(w, "Delivery failed; conversion saved for retry (%d pending)\n", sess.queue.Pending().Len())
		fmt.Fprintln(w, "Run 'agt flush' to retry.")
		return nil
	})
}
