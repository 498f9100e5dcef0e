package rewrite

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/attribution-goat/attribution-goat/internal/browser"
	"github.com/attribution-goat/attribution-goat/internal/identity"
)

var ids = identity.Identity{
	SessionID:   identity.Ptr("S1"),
	VisitorID:   identity.Ptr("VIS"),
	VariationID: identity.Ptr("V1"),
}

func newRewriter() *Rewriter {
	return New(identity.NewResolver("builder"), "www.example.com", nil)
}

func TestRewriteHref(t *testing.T) {
	r := newRewriter()

	tests := []struct {
		name    string
		href    string
		want    string
		changed bool
	}{
		{"rooted path", "/products", "/products?builder.overrideSessionId=S1&builder.overrideVisitorId=VIS&builder.overrideVariationId=V1", true},
		{"keeps query and fragment", "/p?color=red#top", "/p?color=red&builder.overrideSessionId=S1&builder.overrideVisitorId=VIS&builder.overrideVariationId=V1#top", true},
		{"same host absolute", "https://www.example.com/a", "https://www.example.com/a?builder.overrideSessionId=S1&builder.overrideVisitorId=VIS&builder.overrideVariationId=V1", true},
		{"other host", "https://other.example.com/a", "https://other.example.com/a", false},
		{"protocol relative", "//cdn.example.net/x", "//cdn.example.net/x", false},
		{"relative path", "page.html", "page.html", false},
		{"mailto", "mailto:hi@example.com", "mailto:hi@example.com", false},
		{"fragment only", "#section", "#section", false},
		{"already tagged", "/p?builder.overrideVariationId=OTHER", "/p?builder.overrideVariationId=OTHER", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := r.RewriteHref(tt.href, ids)
			if got != tt.want || changed != tt.changed {
				t.Errorf("RewriteHref(%q) = %q, %v; want %q, %v", tt.href, got, changed, tt.want, tt.changed)
			}
		})
	}
}

func TestRewriteHref_Idempotent(t *testing.T) {
	r := newRewriter()

	once, _ := r.RewriteHref("/cart?x=1", ids)
	twice, changed := r.RewriteHref(once, ids)

	if changed || twice != once {
		t.Errorf("expected second pass to be a no-op, got %q (changed=%v)", twice, changed)
	}
}

func TestRewriteHref_OnlyKnownIdentifiers(t *testing.T) {
	r := newRewriter()

	got, _ := r.RewriteHref("/a", identity.Identity{VariationID: identity.Ptr("V1")})
	if got != "/a?builder.overrideVariationId=V1" {
		t.Errorf("unexpected href %q", got)
	}

	got, changed := r.RewriteHref("/a", identity.Identity{})
	if changed || got != "/a" {
		t.Errorf("expected no change for empty identity, got %q", got)
	}
}

func TestRewriteHTML(t *testing.T) {
	r := newRewriter()
	src := `<!doctype html>
<html><body>
  <a href="/products" class="nav">Products</a>
  <a href="https://other.example.com/">Other</a>
  <A HREF="/cart?builder.overrideSessionId=KEEP">Cart</A>
  <p>Text &amp; more</p>
</body></html>`

	var out bytes.Buffer
	n, err := r.RewriteHTML(&out, strings.NewReader(src), ids)
	if err != nil {
		t.Fatalf("RewriteHTML: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 rewritten anchor, got %d", n)
	}

	got := out.String()
	if !strings.Contains(got, `href="/products?builder.overrideSessionId=S1&amp;builder.overrideVisitorId=VIS&amp;builder.overrideVariationId=V1"`) {
		t.Errorf("expected products link to be rewritten:\n%s", got)
	}
	if !strings.Contains(got, `<A HREF="/cart?builder.overrideSessionId=KEEP">`) {
		t.Errorf("expected tagged link to be copied verbatim:\n%s", got)
	}
	if !strings.Contains(got, `<p>Text &amp; more</p>`) {
		t.Errorf("expected other markup to be copied verbatim:\n%s", got)
	}

	var again bytes.Buffer
	n, _ = r.RewriteHTML(&again, strings.NewReader(got), ids)
	if n != 0 || again.String() != got {
		t.Errorf("expected second pass to change nothing, changed %d", n)
	}
}

func TestCurrentIdentity_PersistsURLOverrides(t *testing.T) {
	page, _ := browser.NewPage("https://www.example.com/?builder.overrideSessionId=S1")
	r := newRewriter()

	id := r.CurrentIdentity(page)
	if id.SessionID == nil || *id.SessionID != "S1" {
		t.Fatalf("expected session S1, got %s", id)
	}

	snap, ok := identity.NewResolver("builder").LoadSnapshot(page)
	if !ok || snap.Source != identity.SourceURLParams {
		t.Fatalf("expected url-params snapshot, got %+v", snap)
	}

	_ = page.Navigate("https://www.example.com/next")
	id = r.CurrentIdentity(page)
	if id.SessionID == nil || *id.SessionID != "S1" {
		t.Errorf("expected session from snapshot on the next page, got %s", id)
	}
}

func TestCurrentIdentity_PartialOverrideKeepsSnapshotFields(t *testing.T) {
	page, _ := browser.NewPage("https://www.example.com/?builder.overrideSessionId=S1")
	resolver := identity.NewResolver("builder")
	if err := resolver.SaveSnapshot(page, identity.Identity{
		SessionID:   identity.Ptr("OLD"),
		VisitorID:   identity.Ptr("VIS"),
		VariationID: identity.Ptr("VAR"),
	}, identity.SourceCrossConversion); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	want := identity.Identity{
		SessionID:   identity.Ptr("S1"),
		VisitorID:   identity.Ptr("VIS"),
		VariationID: identity.Ptr("VAR"),
	}
	if diff := cmp.Diff(want, New(resolver, "www.example.com", nil).CurrentIdentity(page)); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}

	_ = page.Navigate("https://www.example.com/thank-you")
	if diff := cmp.Diff(want, resolver.Resolve(page)); diff != "" {
		t.Errorf("later page lost snapshot fields (-want +got):\n%s", diff)
	}
}

func TestRewriteDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.html"), `<a href="/a">A</a>`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `<a href="/a">A</a>`)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "sub", "page.htm"), `<a href="/b">B</a><a href="/c">C</a>`)

	n, err := newRewriter().RewriteDir(dir, ids)
	if err != nil {
		t.Fatalf("RewriteDir: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 rewritten links, got %d", n)
	}
	if txt := readFile(t, filepath.Join(dir, "notes.txt")); txt != `<a href="/a">A</a>` {
		t.Errorf("expected non-HTML file untouched, got %s", txt)
	}
}

func TestWatcher_RewritesNewFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	r := newRewriter()
	calls := make(chan []string, 10)

	w, err := NewWatcher(dir, 20*time.Millisecond, func(ctx context.Context, paths []string) {
		for _, p := range paths {
			if _, err := r.RewriteFile(p, ids); err != nil {
				t.Errorf("RewriteFile: %v", err)
			}
		}
		calls <- paths
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	path := filepath.Join(dir, "landing.html")
	writeFile(t, path, `<a href="/shop">Shop</a>`)

	deadline := time.After(5 * time.Second)
	for {
		if strings.Contains(readFile(t, path), "builder.overrideSessionId=S1") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("file was not rewritten: %s", readFile(t, path))
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The rewrite itself produces a write event; the follow-up pass must
	// leave the file alone.
	time.Sleep(100 * time.Millisecond)
	if got := strings.Count(readFile(t, path), "builder.overrideSessionId"); got != 1 {
		t.Errorf("expected exactly one session param, got %d", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestWatcher_RewritesFilesInSubdirectories(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "blog"), 0o755); err != nil {
		t.Fatal(err)
	}
	r := newRewriter()

	w, err := NewWatcher(dir, 20*time.Millisecond, func(ctx context.Context, paths []string) {
		for _, p := range paths {
			if _, err := r.RewriteFile(p, ids); err != nil {
				t.Errorf("RewriteFile: %v", err)
			}
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	existingDir := filepath.Join(dir, "blog", "post.html")
	writeFile(t, existingDir, `<a href="/shop">Shop</a>`)

	if err := os.MkdirAll(filepath.Join(dir, "news", "2024"), 0o755); err != nil {
		t.Fatal(err)
	}
	newDir := filepath.Join(dir, "news", "2024", "launch.html")
	writeFile(t, newDir, `<a href="/shop">Shop</a>`)

	for _, path := range []string{existingDir, newDir} {
		deadline := time.After(5 * time.Second)
		for !strings.Contains(readFile(t, path), "builder.overrideSessionId=S1") {
			select {
			case <-deadline:
				t.Fatalf("%s was not rewritten: %s", path, readFile(t, path))
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(b)
}
