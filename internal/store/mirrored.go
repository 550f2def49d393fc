package store

import (
	"context"
	"log/slog"

	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/vectorindex"
)

// MirroredStore decorates a Store with a secondary ANN index
// (SPEC_FULL.md §4.13): every memory write is mirrored into the
// configured vectorindex.Provider under the memory's owning user as
// the collection name, and SearchMemories consults the provider first
// for an embedding-bearing query, falling back to the underlying
// store's own search when the provider is unconfigured (NilProvider),
// returns nothing, or errors. Mirroring failures are logged and
// swallowed rather than failing the write — the Persistent Store
// itself remains the source of truth; the provider is a convenience
// ANN path, not a second commit point (no two-phase commit is
// attempted across the two systems).
type MirroredStore struct {
	Store
	provider vectorindex.Provider
	logger   *slog.Logger
}

// NewMirroredStore wraps s so its memory writes and semantic search
// also flow through provider. Passing vectorindex.NilProvider{} makes
// this a transparent pass-through.
func NewMirroredStore(s Store, provider vectorindex.Provider, logger *slog.Logger) *MirroredStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirroredStore{Store: s, provider: provider, logger: logger}
}

// Ping forwards to the wrapped store's own Ping when it implements one,
// so wrapping in MirroredStore doesn't hide it from a pinger type
// assertion (GET /health's db check).
func (m *MirroredStore) Ping(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := m.Store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (m *MirroredStore) CreateMemory(ctx context.Context, mem *model.Memory) error {
	if err := m.Store.CreateMemory(ctx, mem); err != nil {
		return err
	}
	m.upsert(ctx, mem)
	return nil
}

func (m *MirroredStore) UpdateMemoryFields(ctx context.Context, id string, fields map[string]any) (*model.Memory, error) {
	mem, err := m.Store.UpdateMemoryFields(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	m.upsert(ctx, mem)
	return mem, nil
}

func (m *MirroredStore) SoftDeleteMemory(ctx context.Context, id string) error {
	if err := m.Store.SoftDeleteMemory(ctx, id); err != nil {
		return err
	}
	mem, err := m.Store.GetMemory(ctx, id)
	if err != nil {
		m.logger.Warn("vectorindex: delete mirror skipped, memory not found", "id", id, "error", err)
		return nil
	}
	if err := m.provider.Delete(ctx, mem.UserID, id); err != nil {
		m.logger.Warn("vectorindex: delete mirror failed", "id", id, "error", err)
	}
	return nil
}

// SearchMemories consults the ANN provider first when the caller supplied
// a query embedding; a provider hit list is resolved back into full
// model.Memory rows via GetMemory, preserving provider rank order. Any
// miss — no provider configured, an empty result, or a provider error —
// falls back to the underlying store's own search.
func (m *MirroredStore) SearchMemories(ctx context.Context, spec SearchSpec) ([]*model.Memory, error) {
	if len(spec.QueryEmbedding) == 0 || len(spec.UserIDs) == 0 {
		return m.Store.SearchMemories(ctx, spec)
	}

	limit := spec.Filter.EffectiveLimit()
	filter := map[string]any{}
	if spec.Filter.Deleted == nil || !*spec.Filter.Deleted {
		filter["deleted"] = false
	}

	var out []*model.Memory
	seen := map[string]bool{}
	for _, userID := range spec.UserIDs {
		hits, err := m.provider.SearchWithFilter(ctx, userID, spec.QueryEmbedding, limit, filter)
		if err != nil {
			m.logger.Warn("vectorindex: search fallback to store", "collection", userID, "error", err)
			return m.Store.SearchMemories(ctx, spec)
		}
		for _, hit := range hits {
			if seen[hit.ID] {
				continue
			}
			mem, err := m.Store.GetMemory(ctx, hit.ID)
			if err != nil {
				continue
			}
			seen[hit.ID] = true
			out = append(out, mem)
		}
	}

	if len(out) == 0 {
		return m.Store.SearchMemories(ctx, spec)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MirroredStore) upsert(ctx context.Context, mem *model.Memory) {
	if mem == nil || len(mem.Embedding) == 0 {
		return
	}
	metadata := map[string]any{
		"deleted": mem.Deleted(),
		"type":    mem.Type,
		"thread_id": mem.ThreadID,
		"category": mem.Category,
		"person":   mem.Person,
	}
	if err := m.provider.Upsert(ctx, mem.UserID, mem.ID, mem.Embedding, metadata); err != nil {
		m.logger.Warn("vectorindex: upsert mirror failed", "id", mem.ID, "error", err)
	}
}
