package checkout

import (
	"strings"
	"sync"
	"time"
)

const defaultShopperContextTTL = 30 * time.Minute

// ShopperContextStore holds per-shopper pricing context overrides delivered by
// the external pricing webhook. Overrides are short-lived: a stale override is
// worse than none because the backend reprices against live context anyway.
type ShopperContextStore struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]shopperContextEntry
}

type shopperContextEntry struct {
	value     string
	expiresAt time.Time
}

// ShopperContextOption customises store behaviour.
type ShopperContextOption func(*ShopperContextStore)

// WithShopperContextTTL overrides how long an override stays valid.
func WithShopperContextTTL(ttl time.Duration) ShopperContextOption {
	return func(s *ShopperContextStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithShopperContextClock injects a deterministic clock for tests.
func WithShopperContextClock(clock func() time.Time) ShopperContextOption {
	return func(s *ShopperContextStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewShopperContextStore constructs an in-memory override store.
func NewShopperContextStore(opts ...ShopperContextOption) *ShopperContextStore {
	s := &ShopperContextStore{
		ttl:     defaultShopperContextTTL,
		clock:   time.Now,
		entries: make(map[string]shopperContextEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Set stores an override for the shopper. An empty value clears the override.
func (s *ShopperContextStore) Set(shopperID, value string) {
	shopperID = strings.TrimSpace(shopperID)
	if s == nil || shopperID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	value = strings.TrimSpace(value)
	if value == "" {
		delete(s.entries, shopperID)
		return
	}
	s.entries[shopperID] = shopperContextEntry{
		value:     value,
		expiresAt: s.clock().Add(s.ttl),
	}
}

// Get returns the current override for the shopper, if any.
func (s *ShopperContextStore) Get(shopperID string) (string, bool) {
	shopperID = strings.TrimSpace(shopperID)
	if s == nil || shopperID == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[shopperID]
	if !ok {
		return "", false
	}
	if s.clock().After(entry.expiresAt) {
		delete(s.entries, shopperID)
		return "", false
	}
	return entry.value, true
}
