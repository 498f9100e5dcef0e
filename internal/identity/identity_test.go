package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/attribution-goat/attribution-goat/internal/browser"
)

var now = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newPage(t *testing.T, rawURL string, opts ...browser.PageOption) *browser.Page {
	t.Helper()
	opts = append([]browser.PageOption{browser.WithClock(func() time.Time { return now })}, opts...)
	p, err := browser.NewPage(rawURL, opts...)
	if err != nil {
		t.Fatalf("failed to create page: %v", err)
	}
	return p
}

func storeSnapshot(t *testing.T, p *browser.Page, snap Snapshot) {
	t.Helper()
	data, _ := json.Marshal(snap)
	if err := p.Storage().SetItem("builderTrackingData", string(data)); err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}
}

func TestResolve_OverridesBeatCookies(t *testing.T) {
	p := newPage(t, "https://shop.example.com/checkout?builder.overrideSessionId=S1&builder.overrideVariationId=V1",
		browser.WithCookieHeader("builder.tests.abc=V2; builderSessionId=COOKIE"))
	_ = p.Storage().SetItem("builderVisitorId", "VIS")

	got := NewResolver("builder").Resolve(p)

	want := Identity{SessionID: Ptr("S1"), VisitorID: Ptr("VIS"), VariationID: Ptr("V1")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_VisitorAbsentWhenNotStored(t *testing.T) {
	p := newPage(t, "https://shop.example.com/?builder.overrideSessionId=S1&builder.overrideVariationId=V1",
		browser.WithCookieHeader("builder.tests.abc=V2"))

	got := NewResolver("builder").Resolve(p)

	if got.VisitorID != nil {
		t.Errorf("expected absent visitor id, got %q", *got.VisitorID)
	}
	if got.VariationID == nil || *got.VariationID != "V1" {
		t.Errorf("expected variation V1, got %v", got.VariationID)
	}
}

func TestResolve_PerFieldPrecedence(t *testing.T) {
	p := newPage(t, "https://shop.example.com/?builder.overrideVisitorId=URLVIS",
		browser.WithCookieHeader("builderSessionId=COOKIE; builder.tests.t1=COOKIEVAR"))
	storeSnapshot(t, p, Snapshot{
		SessionID: Ptr("SNAPSESSION"),
		VisitorID: Ptr("SNAPVIS"),
		Timestamp: now.Add(-5 * time.Minute).UnixMilli(),
		Source:    SourceCrossConversion,
	})

	got := NewResolver("builder").Resolve(p)

	want := Identity{SessionID: Ptr("SNAPSESSION"), VisitorID: Ptr("URLVIS"), VariationID: Ptr("COOKIEVAR")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_EmptySnapshotFieldFallsBackToCookie(t *testing.T) {
	p := newPage(t, "https://shop.example.com/", browser.WithCookieHeader("builderSessionId=LIVE"))
	if err := p.Storage().SetItem("builderTrackingData",
		`{"sessionId":"","variationId":"V9","timestamp":`+fmt.Sprint(now.Add(-time.Minute).UnixMilli())+`,"source":"cross-conversion"}`); err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}

	got := NewResolver("builder").Resolve(p)

	want := Identity{SessionID: Ptr("LIVE"), VariationID: Ptr("V9")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_ExpiredSnapshotIgnored(t *testing.T) {
	p := newPage(t, "https://shop.example.com/", browser.WithCookieHeader("builderSessionId=COOKIE"))
	storeSnapshot(t, p, Snapshot{
		SessionID:   Ptr("OLD"),
		VariationID: Ptr("OLDVAR"),
		Timestamp:   now.Add(-31 * time.Minute).UnixMilli(),
		Source:      SourceCrossConversion,
	})

	got := NewResolver("builder").Resolve(p)

	if got.SessionID == nil || *got.SessionID != "COOKIE" {
		t.Errorf("expected cookie session, got %v", got.SessionID)
	}
	if got.VariationID != nil {
		t.Errorf("expected no variation from expired snapshot, got %q", *got.VariationID)
	}
	if _, ok, _ := p.Storage().GetItem("builderTrackingData"); ok {
		t.Error("expected expired snapshot to be removed")
	}
}

func TestLoadSnapshot_ExactlyTTLIsExpired(t *testing.T) {
	p := newPage(t, "https://shop.example.com/")
	storeSnapshot(t, p, Snapshot{SessionID: Ptr("S"), Timestamp: now.Add(-DefaultTTL).UnixMilli()})

	if _, ok := NewResolver("builder").LoadSnapshot(p); ok {
		t.Error("expected snapshot aged exactly TTL to be treated as absent")
	}
}

func TestLoadSnapshot_CustomTTL(t *testing.T) {
	p := newPage(t, "https://shop.example.com/")
	storeSnapshot(t, p, Snapshot{SessionID: Ptr("S"), Timestamp: now.Add(-10 * time.Minute).UnixMilli()})

	if _, ok := NewResolver("builder", WithTTL(5*time.Minute)).LoadSnapshot(p); ok {
		t.Error("expected snapshot older than custom TTL to be absent")
	}
}

func TestLoadSnapshot_InvalidJSON(t *testing.T) {
	p := newPage(t, "https://shop.example.com/")
	_ = p.Storage().SetItem("builderTrackingData", "{not json")

	if _, ok := NewResolver("builder").LoadSnapshot(p); ok {
		t.Error("expected invalid snapshot to be absent")
	}
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	p := newPage(t, "https://shop.example.com/")
	r := NewResolver("builder")

	id := Identity{SessionID: Ptr("S1"), VariationID: Ptr("V1")}
	if err := r.SaveSnapshot(p, id, SourceCrossConversion); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, ok := r.LoadSnapshot(p)
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snap.Source != SourceCrossConversion {
		t.Errorf("expected source cross-conversion, got %s", snap.Source)
	}
	if snap.Timestamp != now.UnixMilli() {
		t.Errorf("expected timestamp %d, got %d", now.UnixMilli(), snap.Timestamp)
	}
	if diff := cmp.Diff(id, snap.Identity()); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}

	raw, _, _ := p.Storage().GetItem("builderTrackingData")
	var fields map[string]any
	_ = json.Unmarshal([]byte(raw), &fields)
	if _, has := fields["visitorId"]; has {
		t.Errorf("expected absent visitor id to be omitted, got %s", raw)
	}
}

func TestSaveSnapshot_EmptyIdentity(t *testing.T) {
	p := newPage(t, "https://shop.example.com/")
	err := NewResolver("builder").SaveSnapshot(p, Identity{}, SourcePageView)
	if !errors.Is(err, ErrEmptyIdentity) {
		t.Errorf("expected ErrEmptyIdentity, got %v", err)
	}
}

func TestResolveLive_SessionCookieVariants(t *testing.T) {
	tests := []struct {
		name    string
		cookies string
		want    string
	}{
		{"camel", "builderSessionId=A; builder.sessionId=B", "A"},
		{"dotted", "builder.sessionId=B; builder_session_id=C", "B"},
		{"snake", "builder_session_id=C; builder-session-id=D", "C"},
		{"kebab", "other=x; builder-session-id=D", "D"},
		{"later variant wins over empty earlier", "builderSessionId=; builder.sessionId=B", "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPage(t, "https://example.com/", browser.WithCookieHeader(tt.cookies))
			got := NewResolver("builder").ResolveLive(p)
			if got.SessionID == nil || *got.SessionID != tt.want {
				t.Errorf("expected session %q, got %v", tt.want, got.SessionID)
			}
		})
	}
}

func TestResolveLive_SessionFromStorage(t *testing.T) {
	p := newPage(t, "https://example.com/")
	_ = p.Storage().SetItem("builder_session_id", "STORED")

	got := NewResolver("builder").ResolveLive(p)

	if got.SessionID == nil || *got.SessionID != "STORED" {
		t.Errorf("expected stored session, got %v", got.SessionID)
	}
}

func TestResolveLive_VariationTieBreak(t *testing.T) {
	cookies := "builder.tests.zzz=VZ; builder.tests.aaa=VA"

	p := newPage(t, "https://example.com/", browser.WithCookieHeader(cookies))
	if got := NewResolver("builder").ResolveLive(p); *got.VariationID != "VZ" {
		t.Errorf("document order: expected VZ, got %s", *got.VariationID)
	}
	if got := NewResolver("builder", WithTieBreak(TieBreakLexicographic)).ResolveLive(p); *got.VariationID != "VA" {
		t.Errorf("lexicographic: expected VA, got %s", *got.VariationID)
	}
}

func TestResolveLive_VariationStorageFallback(t *testing.T) {
	p := newPage(t, "https://example.com/")
	_ = p.Storage().SetItem("builder.tests", "STOREDVAR")

	got := NewResolver("builder").ResolveLive(p)
	if got.VariationID == nil || *got.VariationID != "STOREDVAR" {
		t.Errorf("expected stored variation, got %v", got.VariationID)
	}
}

func TestOverrides_EmptyParamIsAbsent(t *testing.T) {
	p := newPage(t, "https://example.com/?builder.overrideSessionId=&builder.overrideVisitorId=V")

	got := NewResolver("builder").Overrides(p)
	if got.SessionID != nil {
		t.Errorf("expected empty override to be absent, got %q", *got.SessionID)
	}
	if got.VisitorID == nil || *got.VisitorID != "V" {
		t.Errorf("expected visitor V, got %v", got.VisitorID)
	}
}

func TestResolve_CustomNamespace(t *testing.T) {
	p := newPage(t, "https://example.com/?acme.overrideSessionId=S", browser.WithCookieHeader("acme.tests.x=VX"))

	got := NewResolver("acme").Resolve(p)
	if *got.SessionID != "S" || *got.VariationID != "VX" {
		t.Errorf("unexpected identity %s", got)
	}
}

type brokenStorage struct{}

func (brokenStorage) GetItem(string) (string, bool, error) { return "", false, errors.New("disabled") }
func (brokenStorage) SetItem(string, string) error         { return errors.New("quota exceeded") }
func (brokenStorage) RemoveItem(string) error              { return errors.New("disabled") }

func TestResolve_StorageFailureDegrades(t *testing.T) {
	p := newPage(t, "https://example.com/", browser.WithStorage(brokenStorage{}),
		browser.WithCookieHeader("builderSessionId=S"))
	r := NewResolver("builder")

	got := r.Resolve(p)
	if got.SessionID == nil || *got.SessionID != "S" {
		t.Errorf("expected cookie session despite storage failure, got %v", got.SessionID)
	}
	if got.VisitorID != nil {
		t.Errorf("expected absent visitor, got %q", *got.VisitorID)
	}
	if err := r.SaveSnapshot(p, got, SourcePageView); err == nil {
		t.Error("expected SaveSnapshot to report the storage failure")
	}
}

func TestParseTieBreak(t *testing.T) {
	if tb, err := ParseTieBreak(""); err != nil || tb != TieBreakDocumentOrder {
		t.Errorf("expected default document-order, got %q %v", tb, err)
	}
	if _, err := ParseTieBreak("random"); err == nil {
		t.Error("expected error for unknown tie-break")
	}
}
