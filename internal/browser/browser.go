// Package browser models the parts of a browser page the attribution
// pipeline reads and writes: cookies, local storage, the current URL and the
// user agent.
package browser

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// Storage is a key/value store with local-storage semantics.
// GetItem reports ok=false for a missing key.
type Storage interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// Environment is the capability object handed to the resolver, propagator
// and delivery queue in place of ambient browser globals.
type Environment interface {
	// Cookies returns the page cookies in document order.
	Cookies() []Cookie
	Storage() Storage
	// Location returns a copy of the current page URL.
	Location() *url.URL
	UserAgent() string
	Now() time.Time
}

type Cookie struct {
	Name  string
	Value string
}

// ParseCookieHeader splits a document.cookie style string ("a=1; b=2") into
// cookies, keeping document order. Everything after the first '=' is the
// value. Entries without a name are dropped.
func ParseCookieHeader(header string) []Cookie {
	var cookies []Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		cookies = append(cookies, Cookie{Name: name, Value: value})
	}
	return cookies
}

// Page is an in-memory Environment.
type Page struct {
	mu        sync.RWMutex
	cookies   []Cookie
	storage   Storage
	location  *url.URL
	userAgent string
	clock     func() time.Time
}

type PageOption func(*Page)

func WithCookies(cookies ...Cookie) PageOption {
	return func(p *Page) { p.cookies = append([]Cookie(nil), cookies...) }
}

func WithCookieHeader(header string) PageOption {
	return func(p *Page) { p.cookies = ParseCookieHeader(header) }
}

func WithStorage(s Storage) PageOption {
	return func(p *Page) { p.storage = s }
}

func WithUserAgent(ua string) PageOption {
	return func(p *Page) { p.userAgent = ua }
}

func WithClock(now func() time.Time) PageOption {
	return func(p *Page) { p.clock = now }
}

// NewPage builds a page at rawURL. Storage defaults to a fresh MemoryStorage.
func NewPage(rawURL string, opts ...PageOption) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	p := &Page{
		location: u,
		storage:  NewMemoryStorage(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Page) Cookies() []Cookie {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Cookie(nil), p.cookies...)
}

// SetCookie replaces the cookie with the same name in place, or appends it.
func (p *Page) SetCookie(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.cookies {
		if p.cookies[i].Name == name {
			p.cookies[i].Value = value
			return
		}
	}
	p.cookies = append(p.cookies, Cookie{Name: name, Value: value})
}

func (p *Page) Storage() Storage {
	return p.storage
}

func (p *Page) Location() *url.URL {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u := *p.location
	return &u
}

// Navigate moves the page to rawURL, keeping cookies and storage.
func (p *Page) Navigate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.location = u
	p.mu.Unlock()
	return nil
}

func (p *Page) UserAgent() string {
	return p.userAgent
}

func (p *Page) Now() time.Time {
	return p.clock()
}

// MemoryStorage is a Storage backed by a map. Safe for concurrent use.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) GetItem(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
