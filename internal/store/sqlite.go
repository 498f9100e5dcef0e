package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS conversions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_event_id TEXT NOT NULL,
    api_key TEXT NOT NULL,
    session_id TEXT,
    visitor_id TEXT,
    variation_id TEXT,
    amount REAL NOT NULL,
    currency TEXT NOT NULL DEFAULT '',
    url TEXT NOT NULL DEFAULT '',
    device TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    received_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversions_dedup ON conversions(client_event_id);
CREATE INDEX IF NOT EXISTS idx_conversions_api_key ON conversions(api_key);
CREATE INDEX IF NOT EXISTS idx_conversions_variation ON conversions(api_key, variation_id);

CREATE TABLE IF NOT EXISTS local_storage (
    profile TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
    PRIMARY KEY (profile, key)
);
`

// busyTimeoutMillis is applied to every pooled connection through the DSN.
const busyTimeoutMillis = 5000

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// dsn adds the connection pragmas. database/sql opens new connections at
// will, so a pragma sent once with Exec would only reach one of them.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", dbPath, sep, busyTimeoutMillis)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordConversion inserts c unless a conversion with the same client event
// id exists. It reports whether a row was inserted.
func (s *SQLiteStore) RecordConversion(ctx context.Context, c *Conversion) (bool, error) {
	if c.ClientEventID == "" {
		return false, errors.New("conversion has no client event id")
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversions
		 (client_event_id, api_key, session_id, visitor_id, variation_id, amount, currency, url, device, payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientEventID, c.APIKey,
		nullableString(c.SessionID), nullableString(c.VisitorID), nullableString(c.VariationID),
		c.Amount, c.Currency, c.URL, c.Device, c.Payload, c.ReceivedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record conversion: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return true, fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	return true, nil
}

// ListConversions returns the newest conversions first. An empty apiKey
// lists every account; limit <= 0 means no limit.
func (s *SQLiteStore) ListConversions(ctx context.Context, apiKey string, limit int) ([]*Conversion, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_event_id, api_key, session_id, visitor_id, variation_id,
		        amount, currency, url, device, payload, received_at
		 FROM conversions
		 WHERE (? = '' OR api_key = ?)
		 ORDER BY received_at DESC, id DESC
		 LIMIT ?`,
		apiKey, apiKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var conversions []*Conversion
	for rows.Next() {
		var c Conversion
		var sessionID, visitorID, variationID sql.NullString
		var receivedAt int64
		if err := rows.Scan(&c.ID, &c.ClientEventID, &c.APIKey, &sessionID, &visitorID, &variationID,
			&c.Amount, &c.Currency, &c.URL, &c.Device, &c.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		c.SessionID = sessionID.String
		c.VisitorID = visitorID.String
		c.VariationID = variationID.String
		c.ReceivedAt = time.Unix(receivedAt, 0)
		conversions = append(conversions, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}

	return conversions, nil
}

func (s *SQLiteStore) CountConversions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conversions: %w", err)
	}
	return n, nil
}

// GetVariationStats aggregates conversions per variation. Visitors counts
// distinct visitor ids, so conversions without one are not counted there.
func (s *SQLiteStore) GetVariationStats(ctx context.Context, apiKey string) ([]VariationStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			COALESCE(variation_id, '') AS variation,
			COUNT(*) AS conversions,
			COUNT(DISTINCT visitor_id) AS visitors,
			COALESCE(SUM(amount), 0) AS revenue
		FROM conversions
		WHERE (? = '' OR api_key = ?)
		GROUP BY variation
		ORDER BY variation
	`, apiKey, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get variation stats: %w", err)
	}
	defer rows.Close()

	var stats []VariationStats
	for rows.Next() {
		var v VariationStats
		if err := rows.Scan(&v.VariationID, &v.Conversions, &v.Visitors, &v.Revenue); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get variation stats: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, profile, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM local_storage WHERE profile = ? AND key = ?`, profile, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get item: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetItem(ctx context.Context, profile, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO local_storage (profile, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(profile, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		profile, key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to set item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveItem(ctx context.Context, profile, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM local_storage WHERE profile = ? AND key = ?`, profile, key,
	); err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, profile string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM local_storage WHERE profile = ? ORDER BY key`, profile,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items[k] = v
	}
	return items, rows.Err()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
