package notification

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"biodata-backend/internal/clock"
)

type tokenEntry struct {
	Token        string
	RegisteredAt time.Time
}

// TokenRegistry maps observer identities to push tokens. A token belongs to
// at most one observer at a time.
type TokenRegistry struct {
	mu      sync.Mutex
	entries *cache.Cache
	clock   clock.Clock
	maxAge  time.Duration
}

// NewTokenRegistry creates a registry whose entries expire after maxAge.
func NewTokenRegistry(clk clock.Clock, maxAge time.Duration) *TokenRegistry {
	return &TokenRegistry{
		entries: cache.New(maxAge, maxAge/2),
		clock:   clk,
		maxAge:  maxAge,
	}
}

// Register stores token for observer. Any other observer holding the same
// token loses it.
func (r *TokenRegistry) Register(observer, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, item := range r.entries.Items() {
		if id != observer && item.Object.(tokenEntry).Token == token {
			r.entries.Delete(id)
		}
	}
	r.entries.Set(observer, tokenEntry{Token: token, RegisteredAt: r.clock.Now()}, cache.DefaultExpiration)
}

// Unregister removes the observer's token and reports whether it had one.
func (r *TokenRegistry) Unregister(observer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries.Get(observer); !ok {
		return false
	}
	r.entries.Delete(observer)
	return true
}

// Evict removes every registration of token and reports whether one existed.
func (r *TokenRegistry) Evict(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	for id, item := range r.entries.Items() {
		if item.Object.(tokenEntry).Token == token {
			r.entries.Delete(id)
			evicted = true
		}
	}
	return evicted
}

// EvictExpired drops registrations older than the registry's max age and
// returns how many were removed.
func (r *TokenRegistry) EvictExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	n := 0
	for id, item := range r.entries.Items() {
		if now.Sub(item.Object.(tokenEntry).RegisteredAt) > r.maxAge {
			r.entries.Delete(id)
			n++
		}
	}
	r.entries.DeleteExpired()
	return n
}

// Tokens returns a sorted snapshot of the registered tokens.
func (r *TokenRegistry) Tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := r.entries.Items()
	tokens := make([]string, 0, len(items))
	for _, item := range items {
		tokens = append(tokens, item.Object.(tokenEntry).Token)
	}
	sort.Strings(tokens)
	return tokens
}

// Len returns the number of registered observers.
func (r *TokenRegistry) Len() int {
	return r.entries.ItemCount()
}
