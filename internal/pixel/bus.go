package pixel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	EventCheckoutCompleted = "checkout_completed"
	EventPageViewed        = "page_viewed"
)

// Money is a price as reported by the storefront. Amount is a number or a
// numeric string.
type Money struct {
	Amount       any    `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type Checkout struct {
	Token      string `json:"token"`
	OrderID    string `json:"orderId,omitempty"`
	TotalPrice Money  `json:"totalPrice"`
}

// AnalyticsEvent is one storefront analytics event. Checkout is only set
// for checkout_completed.
type AnalyticsEvent struct {
	ID       string    `json:"id"`
	ClientID string    `json:"clientId"`
	Name     string    `json:"name"`
	Checkout *Checkout `json:"checkout,omitempty"`
}

type Handler func(ctx context.Context, ev AnalyticsEvent) error

// Bus dispatches analytics events to subscribers by name.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish runs every handler subscribed to ev.Name in subscription order. A
// failing or panicking handler does not stop the others; their errors are
// joined.
func (b *Bus) Publish(ctx context.Context, ev AnalyticsEvent) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Name]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no subscribers", zap.String("event", ev.Name))
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := b.dispatch(ctx, h, ev); err != nil {
			b.logger.Warn("analytics handler failed",
				zap.String("event", ev.Name),
				zap.String("id", ev.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev AnalyticsEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", ev.Name, r)
		}
	}()
	return h(ctx, ev)
}
