// Package household provides the short-TTL household view cache spec.md
// §4.2 calls for ("cached per household with a short TTL (~60 s)") plus
// typed decoding of the loosely-shaped config blobs (seasonal hints,
// important info, contacts) a household view carries.
package household

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/store"
)

// DefaultTTL is spec.md §4.2's "~60 s".
const DefaultTTL = 60 * time.Second

type cacheEntry struct {
	view      *model.HouseholdView
	expiresAt time.Time
}

// Cache wraps a store.HouseholdStore with a short-TTL, principal-keyed
// cache, one of the three process-wide shared-mutable-state structures
// spec.md §5 calls out by name.
type Cache struct {
	store store.HouseholdStore
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(s store.HouseholdStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: s, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// ViewForPrincipal returns the household view for principalID, serving a
// cached copy when it hasn't expired.
func (c *Cache) ViewForPrincipal(ctx context.Context, principalID string) (*model.HouseholdView, error) {
	c.mu.Lock()
	entry, ok := c.entries[principalID]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.view, nil
	}

	view, err := c.store.HouseholdViewForPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[principalID] = cacheEntry{view: view, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return view, nil
}

// Invalidate drops any cached view for principalID, used after a write
// that changes household membership or config.
func (c *Cache) Invalidate(principalID string) {
	c.mu.Lock()
	delete(c.entries, principalID)
	c.mu.Unlock()
}

// SeasonalHints and ImportantInfo/Contacts are the conventional blobs
// spec.md §4.2 names living in household.Config; none are required keys,
// so decoding tolerates their absence.
type SeasonalHints struct {
	Season string   `mapstructure:"season"`
	Notes  []string `mapstructure:"notes"`
}

type ImportantInfo struct {
	Allergies []string          `mapstructure:"allergies"`
	Dates     map[string]string `mapstructure:"dates"` // e.g. "mother's birthday" -> "03-14"
}

type Contact struct {
	Name  string `mapstructure:"name"`
	Phone string `mapstructure:"phone"`
	Role  string `mapstructure:"role"`
}

// DecodeConfigSection mapstructure-decodes one named section of a
// household view's Config blob into a typed destination, tolerating a
// missing section (dst is left zero-valued, no error).
func DecodeConfigSection(view *model.HouseholdView, section string, dst any) error {
	if view == nil || view.Config == nil {
		return nil
	}
	raw, ok := view.Config[section]
	if !ok {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: dst, WeaklyTypedInput: true})
	if err != nil {
		return fmt.Errorf("household: building decoder for %s: %w", section, err)
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("household: decoding config section %s: %w", section, err)
	}
	return nil
}
