package delivery

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/browser"
)

// PendingStore keeps undelivered events in local storage as one JSON array
// under a fixed key. Insertion order is retry order.
//
// The mutex serialises access from one process only; two pages sharing the
// same storage can still overwrite each other's writes.
type PendingStore struct {
	mu      sync.Mutex
	storage browser.Storage
	key     string
	logger  *zap.Logger
}

func NewPendingStore(storage browser.Storage, key string, logger *zap.Logger) *PendingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingStore{storage: storage, key: key, logger: logger}
}

// Load returns the stored events. Unreadable state yields an empty list.
func (p *PendingStore) Load() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

func (p *PendingStore) load() []Event {
	events, err := p.read()
	if err != nil {
		p.logger.Warn("failed to read pending events", zap.Error(err))
		return nil
	}
	return events
}

// read fails only when storage itself cannot be read. Corrupt data reads as
// an empty list.
func (p *PendingStore) read() ([]Event, error) {
	raw, ok, err := p.storage.GetItem(p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		p.logger.Warn("pending events are not valid JSON, ignoring", zap.Error(err))
		return nil, nil
	}
	return events, nil
}

func (p *PendingStore) save(events []Event) error {
	if len(events) == 0 {
		return p.storage.RemoveItem(p.key)
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal pending events: %w", err)
	}
	if err := p.storage.SetItem(p.key, string(data)); err != nil {
		return fmt.Errorf("failed to store pending events: %w", err)
	}
	return nil
}

// Append adds ev to the end of the store. When the stored list cannot be
// read it is left untouched and the error is returned.
func (p *PendingStore) Append(ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	events, err := p.read()
	if err != nil {
		return err
	}
	return p.save(append(events, ev))
}

// Clear removes every stored event.
func (p *PendingStore) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.storage.RemoveItem(p.key); err != nil {
		return fmt.Errorf("failed to clear pending events: %w", err)
	}
	return nil
}

// DropFirst removes the n oldest events, keeping anything appended after
// they were loaded.
func (p *PendingStore) DropFirst(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	events, err := p.read()
	if err != nil {
		return err
	}
	if n >= len(events) {
		events = nil
	} else {
		events = events[n:]
	}
	return p.save(events)
}

func (p *PendingStore) Len() int {
	return len(p.Load())
}
