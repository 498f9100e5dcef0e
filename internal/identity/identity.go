// Package identity resolves the session, visitor and variation identifiers
// attached to a conversion.
//
// Each field is resolved independently, in this order:
//
//  1. URL query overrides (<ns>.overrideSessionId and friends)
//  2. a persisted tracking snapshot younger than the TTL
//  3. live browser state (cookies and local storage)
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/browser"
)

const DefaultTTL = 30 * time.Minute

// Identity is the resolved attribution triple. A nil field is absent.
type Identity struct {
	SessionID   *string `json:"sessionId,omitempty"`
	VisitorID   *string `json:"visitorId,omitempty"`
	VariationID *string `json:"variationId,omitempty"`
}

// Empty reports whether no field is set.
func (id Identity) Empty() bool {
	return id.SessionID == nil && id.VisitorID == nil && id.VariationID == nil
}

// Complete reports whether every field is set.
func (id Identity) Complete() bool {
	return id.SessionID != nil && id.VisitorID != nil && id.VariationID != nil
}

// Or fills the fields missing from id with the ones from fallback.
func (id Identity) Or(fallback Identity) Identity {
	if id.SessionID == nil {
		id.SessionID = fallback.SessionID
	}
	if id.VisitorID == nil {
		id.VisitorID = fallback.VisitorID
	}
	if id.VariationID == nil {
		id.VariationID = fallback.VariationID
	}
	return id
}

func (id Identity) String() string {
	return fmt.Sprintf("session=%s visitor=%s variation=%s", show(id.SessionID), show(id.VisitorID), show(id.VariationID))
}

func show(s *string) string {
	if s == nil {
		return "<none>"
	}
	return *s
}

// Ptr returns a pointer to s.
func Ptr(s string) *string {
	return &s
}

// present turns a raw source value into a field value. Blank values cannot
// identify anything and count as not found.
func present(v string, ok bool) *string {
	if !ok || v == "" {
		return nil
	}
	return &v
}

// TieBreak picks a variation when several test cookies are set.
type TieBreak string

const (
	// TieBreakDocumentOrder takes the first matching cookie in document
	// order. The order is whatever the browser reports and is not stable
	// across browsers.
	TieBreakDocumentOrder TieBreak = "document-order"
	// TieBreakLexicographic takes the matching cookie with the smallest name.
	TieBreakLexicographic TieBreak = "lexicographic"
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakDocumentOrder:
		return TieBreakDocumentOrder, nil
	case TieBreakLexicographic:
		return TieBreakLexicographic, nil
	}
	return "", fmt.Errorf("unknown variation tie-break %q (want %s or %s)", s, TieBreakDocumentOrder, TieBreakLexicographic)
}

// Keys holds every parameter, cookie and storage name derived from a
// namespace.
type Keys struct {
	OverrideSessionParam   string
	OverrideVisitorParam   string
	OverrideVariationParam string

	SessionCookies     []string
	SessionStorageKeys []string
	VisitorStorageKeys []string
	TestCookiePrefix   string
	TestStorageKey     string

	SnapshotKey string
	PendingKey  string
}

// KeysFor derives the key set for namespace ns ("builder" gives
// builder.overrideSessionId, builderSessionId, builder.tests.* and so on).
func KeysFor(ns string) Keys {
	session := []string{
		ns + "SessionId",
		ns + ".sessionId",
		ns + "_session_id",
		ns + "-session-id",
	}
	return Keys{
		OverrideSessionParam:   ns + ".overrideSessionId",
		OverrideVisitorParam:   ns + ".overrideVisitorId",
		OverrideVariationParam: ns + ".overrideVariationId",
		SessionCookies:         session,
		SessionStorageKeys:     session,
		VisitorStorageKeys:     []string{ns + "VisitorId", ns + ".visitorId"},
		TestCookiePrefix:       ns + ".tests.",
		TestStorageKey:         ns + ".tests",
		SnapshotKey:            ns + "TrackingData",
		PendingKey:             ns + "PendingEvents",
	}
}

// Params returns the three override parameter names.
func (k Keys) Params() []string {
	return []string{k.OverrideSessionParam, k.OverrideVisitorParam, k.OverrideVariationParam}
}

type Resolver struct {
	keys     Keys
	ttl      time.Duration
	tieBreak TieBreak
	logger   *zap.Logger
}

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithTieBreak(tb TieBreak) Option {
	return func(r *Resolver) { r.tieBreak = tb }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(namespace string, opts ...Option) *Resolver {
	r := &Resolver{
		keys:     KeysFor(namespace),
		ttl:      DefaultTTL,
		tieBreak: TieBreakDocumentOrder,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Keys() Keys {
	return r.keys
}

func (r *Resolver) TTL() time.Duration {
	return r.ttl
}

// Resolve applies the full precedence chain, field by field.
func (r *Resolver) Resolve(env browser.Environment) Identity {
	id := r.Overrides(env)
	if id.Complete() {
		return id
	}
	if snap, ok := r.LoadSnapshot(env); ok {
		id = id.Or(snap.Identity())
	}
	if id.Complete() {
		return id
	}
	return id.Or(r.ResolveLive(env))
}

// Overrides reads only the URL override parameters.
func (r *Resolver) Overrides(env browser.Environment) Identity {
	q := env.Location().Query()
	get := func(name string) *string {
		vs, ok := q[name]
		if !ok || len(vs) == 0 {
			return nil
		}
		return present(vs[0], true)
	}
	return Identity{
		SessionID:   get(r.keys.OverrideSessionParam),
		VisitorID:   get(r.keys.OverrideVisitorParam),
		VariationID: get(r.keys.OverrideVariationParam),
	}
}

// ResolveLive reads only cookies and local storage.
func (r *Resolver) ResolveLive(env browser.Environment) Identity {
	cookies := env.Cookies()
	storage := env.Storage()

	var id Identity

	for _, name := range r.keys.SessionCookies {
		if id.SessionID = cookieValue(cookies, name); id.SessionID != nil {
			break
		}
	}
	if id.SessionID == nil {
		id.SessionID = r.firstStored(storage, r.keys.SessionStorageKeys)
	}

	id.VisitorID = r.firstStored(storage, r.keys.VisitorStorageKeys)

	id.VariationID = r.variationFromCookies(cookies)
	if id.VariationID == nil {
		id.VariationID = r.firstStored(storage, []string{r.keys.TestStorageKey})
	}

	return id
}

func cookieValue(cookies []browser.Cookie, name string) *string {
	for _, c := range cookies {
		if c.Name == name {
			return present(c.Value, true)
		}
	}
	return nil
}

func (r *Resolver) variationFromCookies(cookies []browser.Cookie) *string {
	var matches []browser.Cookie
	for _, c := range cookies {
		if strings.HasPrefix(c.Name, r.keys.TestCookiePrefix) && c.Value != "" {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > 1 {
		if r.tieBreak == TieBreakLexicographic {
			sort.SliceStable(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
		}
		r.logger.Debug("multiple test cookies, picking one",
			zap.Int("matches", len(matches)),
			zap.String("tie_break", string(r.tieBreak)),
			zap.String("picked", matches[0].Name))
	}
	return present(matches[0].Value, true)
}

func (r *Resolver) firstStored(s browser.Storage, keys []string) *string {
	for _, key := range keys {
		v, ok, err := s.GetItem(key)
		if err != nil {
			r.logger.Debug("storage read failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if p := present(v, ok); p != nil {
			return p
		}
	}
	return nil
}

// Source tags where a snapshot came from. Informational only.
type Source string

const (
	SourceURLParams        Source = "url-params"
	SourcePageView         Source = "page-view"
	SourceCrossConversion  Source = "cross-conversion"
	SourceBuilderToShopify Source = "builder-to-shopify"
)

// Snapshot is the durable copy of an Identity kept in local storage so it
// survives a cross-domain navigation.
type Snapshot struct {
	SessionID   *string `json:"sessionId,omitempty"`
	VisitorID   *string `json:"visitorId,omitempty"`
	VariationID *string `json:"variationId,omitempty"`
	Timestamp   int64   `json:"timestamp"`
	Source      Source  `json:"source"`
}

// Identity returns the stored ids. Fields stored as empty strings count as
// absent.
func (s Snapshot) Identity() Identity {
	field := func(p *string) *string {
		if p == nil {
			return nil
		}
		return present(*p, true)
	}
	return Identity{SessionID: field(s.SessionID), VisitorID: field(s.VisitorID), VariationID: field(s.VariationID)}
}

// Age is the snapshot age at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.Timestamp))
}

var ErrEmptyIdentity = errors.New("identity has no identifiers")

// LoadSnapshot returns the stored snapshot if it is younger than the TTL.
// A stale snapshot is removed on a best-effort basis.
func (r *Resolver) LoadSnapshot(env browser.Environment) (*Snapshot, bool) {
	storage := env.Storage()
	raw, ok, err := storage.GetItem(r.keys.SnapshotKey)
	if err != nil {
		r.logger.Debug("snapshot read failed", zap.Error(err))
		return nil, false
	}
	if !ok || raw == "" {
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		r.logger.Debug("snapshot is not valid JSON, ignoring", zap.Error(err))
		return nil, false
	}

	age := snap.Age(env.Now())
	if age >= r.ttl {
		r.logger.Debug("snapshot expired", zap.Duration("age", age), zap.String("source", string(snap.Source)))
		if err := storage.RemoveItem(r.keys.SnapshotKey); err != nil {
			r.logger.Debug("failed to remove expired snapshot", zap.Error(err))
		}
		return nil, false
	}
	return &snap, true
}

// SaveSnapshot overwrites the stored snapshot with id, stamped now.
func (r *Resolver) SaveSnapshot(env browser.Environment, id Identity, source Source) error {
	if id.Empty() {
		return ErrEmptyIdentity
	}
	snap := Snapshot{
		SessionID:   id.SessionID,
		VisitorID:   id.VisitorID,
		VariationID: id.VariationID,
		Timestamp:   env.Now().UnixMilli(),
		Source:      source,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := env.Storage().SetItem(r.keys.SnapshotKey, string(data)); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}
