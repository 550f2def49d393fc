// Package contextmgr is the Context Manager of spec.md §4.2: basic
// context fetched once per message (light_context + household view) and
// on-demand context_requests the Analysis Engine declares, resolved in
// parallel.
package contextmgr

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/familyledger/core/internal/embedding"
	"github.com/familyledger/core/internal/household"
	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/store"
)

// DefaultLightContextLimit is spec.md §4.2's default N.
const DefaultLightContextLimit = 4

// Request is one entry of Analysis.context_requests (spec.md §4.2).
type Request struct {
	Name   string
	Kind   string // recent_memories | semantic_search | direct_search | thread_summaries
	Limit  int
	Query  string
	Filter store.Filter
}

// Basic is the once-per-message context: light_context plus the
// household view.
type Basic struct {
	LightContext []*model.Memory
	Household    *model.HouseholdView
}

// Manager resolves both basic context and on-demand context_requests.
type Manager struct {
	memories          store.MemoryStore
	households        *household.Cache
	embeddings        *embedding.CachedProvider
	lightContextLimit int
}

func NewManager(memories store.MemoryStore, households *household.Cache, embeddings *embedding.CachedProvider) *Manager {
	return &Manager{memories: memories, households: households, embeddings: embeddings, lightContextLimit: DefaultLightContextLimit}
}

// Basic fetches light_context (last N memories on thread_id if present,
// else globally for the principal, emitted chronologically) and the
// household view, per spec.md §4.2.
func (m *Manager) Basic(ctx context.Context, principalID, threadID string) (Basic, error) {
	filter := store.Filter{Limit: m.lightContextLimit}
	if threadID != "" {
		filter.ThreadID = threadID
	}

	memories, err := m.memories.SearchMemories(ctx, store.SearchSpec{
		UserIDs: []string{principalID},
		Filter:  filter,
	})
	if err != nil {
		return Basic{}, fmt.Errorf("contextmgr: fetching light_context: %w", err)
	}
	reverseMemories(memories)

	var view *model.HouseholdView
	if m.households != nil {
		view, err = m.households.ViewForPrincipal(ctx, principalID)
		if err != nil && err != store.ErrNotFound {
			return Basic{}, fmt.Errorf("contextmgr: fetching household view: %w", err)
		}
	}

	return Basic{LightContext: memories, Household: view}, nil
}

func reverseMemories(m []*model.Memory) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}

// Resolve executes every context_request in parallel via errgroup,
// sharing ctx's deadline, and returns the results keyed by request name
// for context_payload (spec.md §4.2's "Results are attached to
// context_payload keyed by name").
func (m *Manager) Resolve(ctx context.Context, principalID string, requests []Request, trace *embedding.TraceCache) (map[string]any, error) {
	payload := make(map[string]any, len(requests))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range requests {
		req := req
		g.Go(func() error {
			result, err := m.resolveOne(gctx, principalID, req, trace)
			if err != nil {
				return fmt.Errorf("contextmgr: resolving %s (%s): %w", req.Name, req.Kind, err)
			}
			mu.Lock()
			payload[req.Name] = result
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payload, nil
}

func (m *Manager) resolveOne(ctx context.Context, principalID string, req Request, trace *embedding.TraceCache) (any, error) {
	switch req.Kind {
	case "recent_memories":
		filter := req.Filter
		if filter.Limit == 0 {
			filter.Limit = req.Limit
		}
		return m.memories.SearchMemories(ctx, store.SearchSpec{UserIDs: []string{principalID}, Filter: filter})

	case "semantic_search":
		var embVec []float32
		if m.embeddings != nil && req.Query != "" {
			vec, err := m.embeddings.EmbedTraced(ctx, trace, req.Query)
			if err == nil {
				embVec = vec
			}
			// A failed embed proceeds without the vector, matching the
			// degraded-path rule spec.md §4.2/§4.3 applies to search.
		}
		filter := req.Filter
		if filter.Limit == 0 {
			filter.Limit = req.Limit
		}
		return m.memories.SearchMemories(ctx, store.SearchSpec{
			UserIDs: []string{principalID}, Query: req.Query, QueryEmbedding: embVec, Filter: filter,
		})

	case "direct_search":
		filter := req.Filter
		if filter.Limit == 0 {
			filter.Limit = req.Limit
		}
		return m.memories.SearchMemories(ctx, store.SearchSpec{UserIDs: []string{principalID}, Filter: filter})

	case "thread_summaries":
		filter := req.Filter
		filter.Type = "thread_summary"
		if filter.Limit == 0 {
			filter.Limit = req.Limit
		}
		return m.memories.SearchMemories(ctx, store.SearchSpec{UserIDs: []string{principalID}, Filter: filter})

	default:
		return nil, fmt.Errorf("unknown context_request kind %q", req.Kind)
	}
}
