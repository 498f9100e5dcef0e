package cli

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/attribution-goat/attribution-goat/internal/browser"
	"github.com/attribution-goat/attribution-goat/internal/delivery"
	"github.com/attribution-goat/attribution-goat/internal/identity"
	"github.com/attribution-goat/attribution-goat/internal/pixel"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// session is one simulated page: the --url/--cookies/--user-agent flags
// plus the profile's persisted local storage.
type session struct {
	page     *browser.Page
	storage  *store.LocalStorage
	resolver *identity.Resolver
	client   *delivery.Client
	queue    *delivery.Queue
	pixel    *pixel.Pixel
}

func newSession(s *store.SQLiteStore) (*session, error) {
	storage := store.NewLocalStorage(s, cfg.Storage.Profile)
	page, err := browser.NewPage(pageURL,
		browser.WithCookieHeader(cookieHeader),
		browser.WithUserAgent(userAgent),
		browser.WithStorage(storage),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid --url: %w", err)
	}

	resolver := identity.NewResolver(cfg.Namespace,
		identity.WithTTL(cfg.Identity.SnapshotTTL),
		identity.WithTieBreak(cfg.TieBreak()),
		identity.WithLogger(logger),
	)

	client, err := delivery.NewClient(cfg.Tracking.Host, cfg.APIKey,
		delivery.WithOrigin(origin(page.Location())),
		delivery.WithAttemptTimeout(cfg.Delivery.AttemptTimeout),
		delivery.WithClientLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	pending := delivery.NewPendingStore(storage, resolver.Keys().PendingKey, logger)
	queue := delivery.NewQueue(client, pending,
		delivery.WithMaxRetries(cfg.Delivery.MaxRetries),
		delivery.WithBaseDelay(cfg.Delivery.BaseDelay),
		delivery.WithQueueLogger(logger),
	)

	builder := delivery.Builder{APIKey: cfg.APIKey, SDKVersion: cfg.Tracking.SDKVersion}

	return &session{
		page:     page,
		storage:  storage,
		resolver: resolver,
		client:   client,
		queue:    queue,
		pixel:    pixel.New(page, resolver, builder, queue, logger),
	}, nil
}

func origin(u *url.URL) string {
	if u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// getTokenFilePath returns the path to the token file
func getTokenFilePath() string {
	// Store token file alongside the database
	dir := filepath.Dir(cfg.Storage.DBPath)
	return filepath.Join(dir, ".agt-token")
}

// parseMeta turns repeated key=value flags into event metadata.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: want key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func show(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
