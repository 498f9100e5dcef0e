// Package propagate carries attribution identifiers across the jump from
// the content site to the external commerce domain.
package propagate

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/browser"
	"github.com/attribution-goat/attribution-goat/internal/identity"
)

const DefaultDebounce = time.Second

// Click is an activated link, already resolved to its anchor.
type Click struct {
	// ElementID identifies the clicked element for debouncing. Href is used
	// when it is empty.
	ElementID string
	Href      string
	// DataHref is the data-href fallback used when Href is empty.
	DataHref string
	// InCTA reports whether the anchor sits inside the call-to-action
	// container.
	InCTA bool
}

func (c Click) target() string {
	if c.Href != "" {
		return c.Href
	}
	return c.DataHref
}

func (c Click) key() string {
	if c.ElementID != "" {
		return c.ElementID
	}
	return c.target()
}

// Navigator performs the navigation the propagator took over.
type Navigator interface {
	Navigate(target string) error
}

type NavigatorFunc func(target string) error

func (f NavigatorFunc) Navigate(target string) error {
	return f(target)
}

// OutboundHook is told about every intercepted click before navigation.
type OutboundHook func(ctx context.Context, id identity.Identity, destination string)

type Propagator struct {
	env      browser.Environment
	resolver *identity.Resolver
	domain   string
	nav      Navigator
	onClick  OutboundHook
	debounce time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	recent map[string]time.Time
}

type Option func(*Propagator)

func WithDebounce(d time.Duration) Option {
	return func(p *Propagator) { p.debounce = d }
}

func WithOutboundHook(h OutboundHook) Option {
	return func(p *Propagator) { p.onClick = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Propagator) { p.logger = l }
}

// New builds a propagator for links pointing at commerceDomain or one of
// its subdomains.
func New(env browser.Environment, resolver *identity.Resolver, commerceDomain string, nav Navigator, opts ...Option) *Propagator {
	p := &Propagator{
		env:      env,
		resolver: resolver,
		domain:   strings.ToLower(strings.TrimPrefix(commerceDomain, ".")),
		nav:      nav,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		recent:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleClick reports whether the click was taken over. When it returns
// false the caller lets the default navigation happen. Once a click is taken
// over, navigation always happens, with or without identifiers.
func (p *Propagator) HandleClick(ctx context.Context, c Click) bool {
	href := c.target()
	if !c.InCTA || href == "" {
		return false
	}

	dest, ok := p.matchDomain(href)
	if !ok {
		return false
	}

	if p.debounced(c.key()) {
		p.logger.Debug("ignoring repeated click", zap.String("element", c.key()))
		return true
	}

	target := p.augment(ctx, dest, href)
	if err := p.nav.Navigate(target); err != nil {
		p.logger.Warn("navigation failed", zap.String("target", target), zap.Error(err))
	}
	return true
}

// matchDomain resolves href against the page and checks its host. An href
// that cannot be parsed still matches on a plain substring check, so the
// click is intercepted and forwarded untouched.
func (p *Propagator) matchDomain(href string) (*url.URL, bool) {
	u, err := p.env.Location().Parse(href)
	if err != nil {
		return nil, strings.Contains(strings.ToLower(href), p.domain)
	}
	host := strings.ToLower(u.Hostname())
	if host == p.domain || strings.HasSuffix(host, "."+p.domain) {
		return u, true
	}
	return nil, false
}

func (p *Propagator) debounced(key string) bool {
	now := p.env.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, at := range p.recent {
		if now.Sub(at) >= p.debounce {
			delete(p.recent, k)
		}
	}
	if _, busy := p.recent[key]; busy {
		return true
	}
	p.recent[key] = now
	return false
}

// augment returns the destination with identifiers added. On any failure it
// falls back to the original href.
func (p *Propagator) augment(ctx context.Context, dest *url.URL, href string) (target string) {
	target = href
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("cross-domain propagation panicked", zap.Any("panic", r))
			target = href
		}
	}()

	if dest == nil {
		p.logger.Warn("unparseable commerce link, navigating unchanged", zap.String("href", href))
		return href
	}

	id := p.resolver.ResolveLive(p.env)
	keys := p.resolver.Keys()

	q := dest.Query()
	set := func(name string, v *string) {
		if v != nil {
			q.Set(name, *v)
		}
	}
	set(keys.OverrideSessionParam, id.SessionID)
	set(keys.OverrideVisitorParam, id.VisitorID)
	set(keys.OverrideVariationParam, id.VariationID)
	dest.RawQuery = q.Encode()

	if !id.Empty() {
		if err := p.resolver.SaveSnapshot(p.env, id, identity.SourceCrossConversion); err != nil {
			p.logger.Warn("failed to persist tracking snapshot", zap.Error(err))
		}
	}

	if p.onClick != nil {
		p.callHook(ctx, id, dest.String())
	}

	p.logger.Info("propagating attribution to commerce domain",
		zap.String("destination", dest.String()),
		zap.Stringer("identity", id))
	return dest.String()
}

func (p *Propagator) callHook(ctx context.Context, id identity.Identity, dest string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("outbound hook panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	p.onClick(ctx, id, dest)
}
