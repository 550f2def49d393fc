// Package llmclient provides the engine-facing chat/embedding contract used
// by the analysis engine, tool executor, and prompt assembler, along with
// rate-limiting, caching, and usage-accounting decorators shared by every
// provider.
package llmclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/familyledger/core/internal/registry"
)

// Client is the contract every step of the orchestrator talks to. It hides
// provider-specific request/response shapes behind three calls.
type Client interface {
	ChatText(ctx context.Context, system, user string) (string, error)
	ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// rawProvider is the seam each concrete SDK wrapper implements. Client is
// assembled over a rawProvider by wrapping it in rateLimitedClient and
// cachedClient, so every provider gets identical throttling/caching/usage
// behavior without repeating it three times.
type rawProvider interface {
	Client
	Name() string
}

// Registry holds constructed, ready-to-use Clients by provider name.
type Registry struct {
	base *registry.BaseRegistry[Client]
}

func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Client]()}
}

func (r *Registry) Register(name string, c Client) error { return r.base.Register(name, c) }

func (r *Registry) Get(name string) (Client, bool) { return r.base.Get(name) }

// Options configures the decorators wrapped around every provider.
type Options struct {
	// RequestsPerMinute bounds the token-bucket rate applied to every call
	// (ChatText/ChatJSON/Embed each consume one token).
	RequestsPerMinute float64
	// Burst is the token bucket's burst size. Defaults to 1 when zero or
	// negative.
	Burst int
	// MaxConcurrent bounds in-flight calls to the wrapped provider.
	MaxConcurrent int
	// CacheTTL is the short-TTL response cache lifetime. Zero disables caching.
	CacheTTL time.Duration
	// Usage, when non-nil, receives a call on every completed request.
	Usage UsageRecorder
	// Phase tags usage records (e.g. "analysis", "clarify", "response", "summary").
	Phase string
}

// UsageRecorder is implemented by the Prometheus usage accountant.
type UsageRecorder interface {
	RecordCall(provider, phase, method string, err error, duration time.Duration)
}

// Wrap decorates a raw provider with rate limiting and response caching,
// returning the Client every other package depends on.
func Wrap(p rawProvider, opts Options) Client {
	var c Client = p
	c = &cachedClient{inner: c, ttl: opts.CacheTTL, entries: make(map[string]cacheEntry)}
	c = &rateLimitedClient{
		inner:   c,
		limiter: newLimiter(opts.RequestsPerMinute, opts.Burst),
		sem:     newSemaphore(opts.MaxConcurrent),
		usage:   opts.Usage,
		phase:   opts.Phase,
		name:    p.Name(),
	}
	return c
}

func newLimiter(rpm float64, burst int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rpm/60.0), burst)
}

type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	if n <= 0 {
		n = 8
	}
	return make(semaphore, n)
}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }

// rateLimitedClient enforces an RPM token bucket plus a concurrency cap, and
// records usage once the inner call returns.
type rateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
	sem     semaphore
	usage   UsageRecorder
	phase   string
	name    string
}

func (c *rateLimitedClient) ChatText(ctx context.Context, system, user string) (string, error) {
	var out string
	err := c.call(ctx, "ChatText", func() error {
		var innerErr error
		out, innerErr = c.inner.ChatText(ctx, system, user)
		return innerErr
	})
	return out, err
}

func (c *rateLimitedClient) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, "ChatJSON", func() error {
		var innerErr error
		out, innerErr = c.inner.ChatJSON(ctx, system, user, schema)
		return innerErr
	})
	return out, err
}

func (c *rateLimitedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := c.call(ctx, "Embed", func() error {
		var innerErr error
		out, innerErr = c.inner.Embed(ctx, text)
		return innerErr
	})
	return out, err
}

func (c *rateLimitedClient) call(ctx context.Context, method string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("llmclient: rate limit wait: %w", err)
	}
	if err := c.sem.acquire(ctx); err != nil {
		return fmt.Errorf("llmclient: concurrency wait: %w", err)
	}
	defer c.sem.release()

	start := time.Now()
	err := fn()
	if c.usage != nil {
		c.usage.RecordCall(c.name, c.phase, method, err, time.Since(start))
	}
	return err
}

// cachedClient memoizes responses for a short TTL keyed on a hash of the
// call's inputs, so repeated identical prompts within a trace (e.g. a
// verification re-check) don't re-bill the provider.
type cachedClient struct {
	inner   Client
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	text      string
	json      map[string]any
	embedding []float32
	expiresAt time.Time
}

func (c *cachedClient) ChatText(ctx context.Context, system, user string) (string, error) {
	if c.ttl <= 0 {
		return c.inner.ChatText(ctx, system, user)
	}
	key := cacheKey("text", system, user, nil)
	if e, ok := c.lookup(key); ok {
		return e.text, nil
	}
	out, err := c.inner.ChatText(ctx, system, user)
	if err == nil {
		c.store(key, cacheEntry{text: out})
	}
	return out, err
}

func (c *cachedClient) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	if c.ttl <= 0 {
		return c.inner.ChatJSON(ctx, system, user, schema)
	}
	key := cacheKey("json", system, user, schema)
	if e, ok := c.lookup(key); ok {
		return e.json, nil
	}
	out, err := c.inner.ChatJSON(ctx, system, user, schema)
	if err == nil {
		c.store(key, cacheEntry{json: out})
	}
	return out, err
}

func (c *cachedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.ttl <= 0 {
		return c.inner.Embed(ctx, text)
	}
	key := cacheKey("embed", "", text, nil)
	if e, ok := c.lookup(key); ok {
		return e.embedding, nil
	}
	out, err := c.inner.Embed(ctx, text)
	if err == nil {
		c.store(key, cacheEntry{embedding: out})
	}
	return out, err
}

func (c *cachedClient) lookup(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return cacheEntry{}, false
	}
	return e, true
}

func (c *cachedClient) store(key string, e cacheEntry) {
	e.expiresAt = time.Now().Add(c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

func cacheKey(kind, system, user string, schema map[string]any) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	if schema != nil {
		b, _ := json.Marshal(schema)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}
