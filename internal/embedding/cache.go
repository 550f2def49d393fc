package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TraceCache is the per-trace embedding cache: one instance is created by
// the orchestrator around a single incoming message and discarded
// afterwards, so repeated embeds of the same text within one turn (e.g. the
// user's message re-embedded for both storage and search) hit memory only.
type TraceCache struct {
	mu      sync.Mutex
	entries map[string][]float32
}

func NewTraceCache() *TraceCache {
	return &TraceCache{entries: make(map[string][]float32)}
}

func (c *TraceCache) Get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[text]
	return v, ok
}

func (c *TraceCache) Set(text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[text] = vec
}

// CacheStore is the process-wide cache behind the per-trace layer, shared
// across messages (and, for the Redis implementation, across instances).
type CacheStore interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration)
}

// CachedProvider wraps a Provider with the two-layer cache: TraceCache
// first (no TTL, scoped to one orchestrator call), then the process-wide
// CacheStore (TTL-bounded), falling through to the real provider on a full
// miss.
type CachedProvider struct {
	inner Provider
	store CacheStore
	ttl   time.Duration
}

func NewCachedProvider(inner Provider, store CacheStore, ttl time.Duration) *CachedProvider {
	return &CachedProvider{inner: inner, store: store, ttl: ttl}
}

func (p *CachedProvider) Dimension() int { return p.inner.Dimension() }
func (p *CachedProvider) Model() string  { return p.inner.Model() }

// EmbedTraced checks trace first, falls through to the process cache, then
// the real provider, populating both layers on a miss.
func (p *CachedProvider) EmbedTraced(ctx context.Context, trace *TraceCache, text string) ([]float32, error) {
	if trace != nil {
		if v, ok := trace.Get(text); ok {
			return v, nil
		}
	}
	key := cacheKeyFor(p.inner.Model(), text)
	if p.store != nil {
		if v, ok := p.store.Get(ctx, key); ok {
			if trace != nil {
				trace.Set(text, v)
			}
			return v, nil
		}
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if p.store != nil {
		p.store.Set(ctx, key, vec, p.ttl)
	}
	if trace != nil {
		trace.Set(text, vec)
	}
	return vec, nil
}

// Embed satisfies Provider without a trace cache, for call sites that don't
// carry one (e.g. the reminder dispatcher's background loop).
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.EmbedTraced(ctx, nil, text)
}

func cacheKeyFor(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// LRUCacheStore is a hand-rolled in-process LRU+TTL cache. No ecosystem LRU
// library appears anywhere in the retrieved corpus, so this is built
// directly on first-party code (doubly-linked list + map under one mutex),
// unlike every other ambient concern in this module.
type LRUCacheStore struct {
	mu       sync.Mutex
	maxItems int
	items    map[string]*list.Element
	order    *list.List
}

type lruEntry struct {
	key       string
	vec       []float32
	expiresAt time.Time
}

func NewLRUCacheStore(maxItems int) *LRUCacheStore {
	if maxItems <= 0 {
		maxItems = 1000
	}
	return &LRUCacheStore{
		maxItems: maxItems,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *LRUCacheStore) Get(ctx context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*lruEntry)
	if time.Now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.vec, true
}

func (c *LRUCacheStore) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl == 0 {
		ttl = time.Hour
	}
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).vec = vec
		el.Value.(*lruEntry).expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, vec: vec, expiresAt: time.Now().Add(ttl)})
	c.items[key] = el
	for c.order.Len() > c.maxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

// RedisCacheStore backs CacheStore with a Redis instance, for multi-instance
// deployments where the process-local LRU can't be shared.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCacheStore(url, prefix string) (*RedisCacheStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("embedding: parsing REDIS_URL: %w", err)
	}
	if prefix == "" {
		prefix = "emb:"
	}
	return &RedisCacheStore{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (c *RedisCacheStore) Get(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (c *RedisCacheStore) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+key, raw, ttl)
}
