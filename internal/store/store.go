package store

import "context"

// Store defines the interface for collector and local storage persistence
type Store interface {
	// Conversion operations
	RecordConversion(ctx context.Context, c *Conversion) (bool, error)
	ListConversions(ctx context.Context, apiKey string, limit int) ([]*Conversion, error)
	CountConversions(ctx context.Context) (int, error)
	GetVariationStats(ctx context.Context, apiKey string) ([]VariationStats, error)

	// Local storage operations, scoped by profile
	GetItem(ctx context.Context, profile, key string) (string, error)
	SetItem(ctx context.Context, profile, key, value string) error
	RemoveItem(ctx context.Context, profile, key string) error
	ListItems(ctx context.Context, profile string) (map[string]string, error)

	// Lifecycle
	Close() error
}
