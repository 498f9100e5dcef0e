// Package delivery sends conversion events to the tracking endpoint.
//
// An event moves through Created → Sending → Delivered, or through
// Retrying → Sending again with exponential backoff, and finally to
// Persisted in the PendingStore once the retries are used up. Persisted
// events are flushed on the next page load and beaconed on unload.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Sender is one delivery attempt plus the fire-and-forget beacon.
type Sender interface {
	Send(ctx context.Context, ev Event) error
	Beacon(ev Event)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Queue struct {
	sender     Sender
	pending    *PendingStore
	maxRetries int
	baseDelay  time.Duration
	sleep      Sleeper
	logger     *zap.Logger
}

type QueueOption func(*Queue)

func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) { q.maxRetries = n }
}

func WithBaseDelay(d time.Duration) QueueOption {
	return func(q *Queue) { q.baseDelay = d }
}

func WithSleeper(s Sleeper) QueueOption {
	return func(q *Queue) { q.sleep = s }
}

func WithQueueLogger(l *zap.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

func NewQueue(sender Sender, pending *PendingStore, opts ...QueueOption) *Queue {
	q := &Queue{
		sender:     sender,
		pending:    pending,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		sleep:      sleepContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Pending() *PendingStore {
	return q.pending
}

// Backoff is the delay after failed attempt number attempt (0-based).
func (q *Queue) Backoff(attempt int) time.Duration {
	return q.baseDelay << attempt
}

// Deliver sends ev, retrying on failure. When the retries run out the event
// is appended to the pending store and Deliver returns false.
func (q *Queue) Deliver(ctx context.Context, ev Event) bool {
	err := q.sendWithRetry(ctx, ev)
	if err == nil {
		return true
	}

	q.logger.Warn("delivery failed, persisting event",
		zap.String("client_event_id", ev.ClientEventID()),
		zap.Error(err))
	if perr := q.pending.Append(ev); perr != nil {
		q.logger.Warn("failed to persist event", zap.Error(perr))
	}
	return false
}

func (q *Queue) sendWithRetry(ctx context.Context, ev Event) error {
	for attempt := 0; ; attempt++ {
		err := q.sender.Send(ctx, ev)
		if err == nil {
			q.logger.Debug("event delivered",
				zap.String("client_event_id", ev.ClientEventID()),
				zap.Int("attempt", attempt+1))
			return nil
		}
		if attempt >= q.maxRetries {
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}

		delay := q.Backoff(attempt)
		q.logger.Debug("delivery attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := q.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry interrupted: %w", serr)
		}
	}
}

// Flush retries every pending event concurrently. The store is emptied only
// when all of them were delivered; otherwise it is left exactly as it was.
// Flushed events are not persisted a second time.
func (q *Queue) Flush(ctx context.Context) bool {
	events := q.pending.Load()
	if len(events) == 0 {
		return true
	}

	q.logger.Info("flushing pending events", zap.Int("count", len(events)))

	var g errgroup.Group
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			return q.sendWithRetry(ctx, ev)
		})
	}
	if err := g.Wait(); err != nil {
		q.logger.Warn("flush incomplete, keeping pending events", zap.Int("count", len(events)), zap.Error(err))
		return false
	}

	if err := q.pending.DropFirst(len(events)); err != nil {
		q.logger.Warn("failed to clear flushed events", zap.Error(err))
	}
	return true
}

// Unload beacons every pending event and clears the store right away.
// Beacons that fail after this point are lost.
func (q *Queue) Unload() int {
	events := q.pending.Load()
	if len(events) == 0 {
		return 0
	}
	for _, ev := range events {
		q.sender.Beacon(ev)
	}
	if err := q.pending.Clear(); err != nil {
		q.logger.Warn("failed to clear pending events after beacon", zap.Error(err))
	}
	q.logger.Info("beaconed pending events", zap.Int("count", len(events)))
	return len(events)
}
