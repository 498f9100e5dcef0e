// Package pixel is the checkout-side tracker: it turns storefront analytics
// events into conversion events and hands them to the delivery queue.
package pixel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/browser"
	"github.com/attribution-goat/attribution-goat/internal/delivery"
	"github.com/attribution-goat/attribution-goat/internal/identity"
)

var ErrMissingCheckout = errors.New("checkout event has no checkout data")

type ConversionInput struct {
	Amount   any
	Currency string
	Meta     map[string]any
}

type Pixel struct {
	env      browser.Environment
	resolver *identity.Resolver
	builder  delivery.Builder
	queue    *delivery.Queue
	logger   *zap.Logger
}

func New(env browser.Environment, resolver *identity.Resolver, builder delivery.Builder, queue *delivery.Queue, logger *zap.Logger) *Pixel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pixel{
		env:      env,
		resolver: resolver,
		builder:  builder,
		queue:    queue,
		logger:   logger,
	}
}

// TrackConversion resolves the identity for the current page, builds the
// event and delivers it. It reports whether delivery succeeded; on failure
// the event is already in the pending store. The only error is
// delivery.ErrInvalidAmount, in which case nothing was queued.
func (p *Pixel) TrackConversion(ctx context.Context, in ConversionInput) (bool, error) {
	id := p.resolver.Resolve(p.env)

	// A landing page carrying overrides remembers them for later pages of the
	// same checkout.
	if !p.resolver.Overrides(p.env).Empty() {
		if err := p.resolver.SaveSnapshot(p.env, id, identity.SourceBuilderToShopify); err != nil {
			p.logger.Debug("failed to persist tracking snapshot", zap.Error(err))
		}
	}

	ev, err := p.builder.Build(p.env, id, delivery.Conversion{
		Amount:   in.Amount,
		Currency: in.Currency,
		Meta:     in.Meta,
	})
	if err != nil {
		p.logger.Warn("conversion rejected", zap.Any("amount", in.Amount), zap.Error(err))
		return false, err
	}

	p.logger.Info("tracking conversion",
		zap.Float64("amount", ev.Data.Amount),
		zap.String("currency", in.Currency),
		zap.Stringer("identity", id),
		zap.String("client_event_id", ev.ClientEventID()))

	return p.queue.Deliver(ctx, ev), nil
}

// TrackClick records an unvalued conversion for an outbound call-to-action
// click with the identity that was attached to destination. It reports
// whether the event was delivered; undelivered events are kept as pending.
func (p *Pixel) TrackClick(ctx context.Context, id identity.Identity, destination string) bool {
	ev, err := p.builder.Build(p.env, id, delivery.Conversion{
		Unvalued: true,
		Meta: map[string]any{
			"source":      string(identity.SourceCrossConversion),
			"destination": destination,
		},
	})
	if err != nil {
		p.logger.Warn("click conversion rejected", zap.Error(err))
		return false
	}
	p.logger.Info("tracking click conversion",
		zap.Stringer("identity", id),
		zap.String("destination", destination),
		zap.String("client_event_id", ev.ClientEventID()))
	return p.queue.Deliver(ctx, ev)
}

// Register subscribes the pixel's handlers on bus.
func (p *Pixel) Register(bus *Bus) {
	bus.Subscribe(EventCheckoutCompleted, p.handleCheckout)
	bus.Subscribe(EventPageViewed, p.handlePageView)
}

func (p *Pixel) handleCheckout(ctx context.Context, ev AnalyticsEvent) error {
	if ev.Checkout == nil {
		p.logger.Error("invalid checkout data received", zap.String("id", ev.ID))
		return ErrMissingCheckout
	}
	c := ev.Checkout

	orderID := c.OrderID
	if orderID == "" {
		orderID = "checkout_token:" + c.Token
	}

	ok, err := p.TrackConversion(ctx, ConversionInput{
		Amount:   c.TotalPrice.Amount,
		Currency: c.TotalPrice.CurrencyCode,
		Meta: map[string]any{
			"additionalData": "Conversion Recorded",
			"eventId":        ev.ID,
			"clientId":       ev.ClientID,
			"order_id":       orderID,
		},
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", orderID, err)
	}
	if !ok {
		p.logger.Warn("conversion queued for retry", zap.String("order_id", orderID))
	}
	return nil
}

func (p *Pixel) handlePageView(ctx context.Context, ev AnalyticsEvent) error {
	id := p.resolver.Resolve(p.env)
	p.logger.Info("page viewed",
		zap.String("url", p.env.Location().String()),
		zap.Stringer("identity", id))

	if !p.resolver.Overrides(p.env).Empty() {
		if err := p.resolver.SaveSnapshot(p.env, id, identity.SourcePageView); err != nil {
			p.logger.Debug("failed to persist tracking snapshot", zap.Error(err))
		}
	}
	return nil
}

// OnLoad retries events left over from earlier pages.
func (p *Pixel) OnLoad(ctx context.Context) bool {
	return p.queue.Flush(ctx)
}

// OnUnload beacons pending events and returns how many were sent.
func (p *Pixel) OnUnload() int {
	return p.queue.Unload()
}
