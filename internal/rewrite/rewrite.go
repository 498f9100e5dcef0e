// Package rewrite keeps same-origin links carrying the attribution
// identifiers so they survive page-to-page navigation.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/attribution-goat/attribution-goat/internal/browser"
	"github.com/attribution-goat/attribution-goat/internal/identity"
)

type Rewriter struct {
	resolver *identity.Resolver
	keys     identity.Keys
	host     string
	logger   *zap.Logger
}

// New builds a rewriter for pages served from pageHost. Only the hostname
// part is compared, so "example.com:8080" and "example.com" match.
func New(resolver *identity.Resolver, pageHost string, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	host := pageHost
	if u, err := url.Parse("//" + pageHost); err == nil {
		host = u.Hostname()
	}
	return &Rewriter{
		resolver: resolver,
		keys:     resolver.Keys(),
		host:     strings.ToLower(host),
		logger:   logger,
	}
}

// CurrentIdentity returns the identifiers links should carry: URL overrides,
// then a fresh snapshot, field by field. When the URL carries overrides the
// merged identity is persisted so later pages still see it.
func (r *Rewriter) CurrentIdentity(env browser.Environment) identity.Identity {
	overrides := r.resolver.Overrides(env)
	id := overrides
	if !id.Complete() {
		if snap, ok := r.resolver.LoadSnapshot(env); ok {
			id = id.Or(snap.Identity())
		}
	}
	if !overrides.Empty() {
		if err := r.resolver.SaveSnapshot(env, id, identity.SourceURLParams); err != nil {
			r.logger.Debug("failed to persist url overrides", zap.Error(err))
		}
	}
	return id
}

func (r *Rewriter) sameOrigin(u *url.URL, raw string) bool {
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//")
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Hostname(), r.host)
}

func (r *Rewriter) carriesIdentifier(q url.Values) bool {
	for _, name := range r.keys.Params() {
		if _, ok := q[name]; ok {
			return true
		}
	}
	return false
}

// RewriteHref appends the known identifiers to a same-origin href. Links
// that already carry any identifier parameter are left alone.
func (r *Rewriter) RewriteHref(href string, id identity.Identity) (string, bool) {
	raw := strings.TrimSpace(href)
	if raw == "" || id.Empty() {
		return href, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return href, false
	}
	if !r.sameOrigin(u, raw) {
		return href, false
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil || r.carriesIdentifier(q) {
		return href, false
	}

	var extra []string
	add := func(name string, v *string) {
		if v != nil {
			extra = append(extra, url.QueryEscape(name)+"="+url.QueryEscape(*v))
		}
	}
	add(r.keys.OverrideSessionParam, id.SessionID)
	add(r.keys.OverrideVisitorParam, id.VisitorID)
	add(r.keys.OverrideVariationParam, id.VariationID)

	if u.RawQuery != "" {
		u.RawQuery += "&" + strings.Join(extra, "&")
	} else {
		u.RawQuery = strings.Join(extra, "&")
	}
	u.ForceQuery = false
	return u.String(), true
}

// RewriteHTML copies the document from src to dst, rewriting the href of
// every anchor. Everything else is copied byte for byte. It returns the
// number of anchors changed.
func (r *Rewriter) RewriteHTML(dst io.Writer, src io.Reader, id identity.Identity) (int, error) {
	z := html.NewTokenizer(src)
	changed := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				return changed, nil
			}
			return changed, z.Err()
		}

		raw := z.Raw()
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			if _, err := dst.Write(raw); err != nil {
				return changed, err
			}
			continue
		}

		// Raw is only valid until the next Token call.
		raw = append([]byte(nil), raw...)
		tok := z.Token()
		if tok.DataAtom != atom.A || !r.rewriteToken(&tok, id) {
			if _, err := dst.Write(raw); err != nil {
				return changed, err
			}
			continue
		}
		changed++
		if _, err := io.WriteString(dst, tok.String()); err != nil {
			return changed, err
		}
	}
}

func (r *Rewriter) rewriteToken(tok *html.Token, id identity.Identity) bool {
	for i, attr := range tok.Attr {
		if attr.Namespace != "" || !strings.EqualFold(attr.Key, "href") {
			continue
		}
		next, ok := r.RewriteHref(attr.Val, id)
		if !ok {
			return false
		}
		tok.Attr[i].Val = next
		return true
	}
	return false
}

// RewriteFile rewrites one HTML file in place. The file is only written
// when at least one link changed.
func (r *Rewriter) RewriteFile(path string, id identity.Identity) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var buf bytes.Buffer
	n, err := r.RewriteHTML(&buf, bytes.NewReader(src), id)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite %s: %w", path, err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := os.WriteFile(path, buf.Bytes(), info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	r.logger.Debug("rewrote links", zap.String("path", path), zap.Int("links", n))
	return n, nil
}

// RewriteDir rewrites every .html file under dir.
func (r *Rewriter) RewriteDir(dir string, id identity.Identity) (int, error) {
	total := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsHTML(path) {
			return nil
		}
		n, err := r.RewriteFile(path, id)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

func IsHTML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".html" || ext == ".htm"
}
