package embedding

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int32
	vec   []float32
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.vec, nil
}
func (p *countingProvider) Dimension() int { return len(p.vec) }
func (p *countingProvider) Model() string  { return "counting-test-model" }

func TestCachedProvider_TraceHitAvoidsProcessCacheAndProvider(t *testing.T) {
	inner := &countingProvider{vec: []float32{1, 2, 3}}
	store := NewLRUCacheStore(10)
	cp := NewCachedProvider(inner, store, time.Minute)
	trace := NewTraceCache()

	v1, err := cp.EmbedTraced(context.Background(), trace, "hello")
	require.NoError(t, err)
	v2, err := cp.EmbedTraced(context.Background(), trace, "hello")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestCachedProvider_ProcessCacheSurvivesNewTrace(t *testing.T) {
	inner := &countingProvider{vec: []float32{4, 5, 6}}
	store := NewLRUCacheStore(10)
	cp := NewCachedProvider(inner, store, time.Minute)

	_, err := cp.EmbedTraced(context.Background(), NewTraceCache(), "reused text")
	require.NoError(t, err)
	_, err = cp.EmbedTraced(context.Background(), NewTraceCache(), "reused text")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls), "a fresh trace cache should still hit the process-wide store")
}

func TestLRUCacheStore_EvictsOldestBeyondCapacity(t *testing.T) {
	store := NewLRUCacheStore(2)
	store.Set(context.Background(), "a", []float32{1}, time.Minute)
	store.Set(context.Background(), "b", []float32{2}, time.Minute)
	store.Set(context.Background(), "c", []float32{3}, time.Minute)

	_, ok := store.Get(context.Background(), "a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = store.Get(context.Background(), "b")
	assert.True(t, ok)
	_, ok = store.Get(context.Background(), "c")
	assert.True(t, ok)
}

func TestLRUCacheStore_RecencyProtectsFromEviction(t *testing.T) {
	store := NewLRUCacheStore(2)
	store.Set(context.Background(), "a", []float32{1}, time.Minute)
	store.Set(context.Background(), "b", []float32{2}, time.Minute)
	store.Get(context.Background(), "a") // touch a, making b the least-recent
	store.Set(context.Background(), "c", []float32{3}, time.Minute)

	_, ok := store.Get(context.Background(), "b")
	assert.False(t, ok, "b should be evicted since a was touched more recently")
	_, ok = store.Get(context.Background(), "a")
	assert.True(t, ok)
}

func TestLRUCacheStore_ExpiredEntryIsTreatedAsMiss(t *testing.T) {
	store := NewLRUCacheStore(10)
	store.Set(context.Background(), "x", []float32{9}, -time.Second)

	_, ok := store.Get(context.Background(), "x")
	assert.False(t, ok)
}

func TestCacheKeyFor_DiffersByModelAndText(t *testing.T) {
	a := cacheKeyFor("model-a", "same text")
	b := cacheKeyFor("model-b", "same text")
	c := cacheKeyFor("model-a", "different text")

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
