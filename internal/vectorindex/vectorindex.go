// Package vectorindex is the optional ANN mirror described in
// SPEC_FULL.md §4.12: a secondary, eventually-consistent index that
// the Persistent Store's SearchMemories can consult for large result
// sets instead of a brute-force/ivfflat scan, backed by one of several
// interchangeable vector database providers.
//
// Adapted from the teacher's pkg/vector package (Provider interface,
// factory, and per-backend implementations), generalized from hector's
// generic "collection of documents" shape to memories keyed by
// (user scope, memory id).
package vectorindex

import (
	"context"
	"fmt"
	"sync"
)

// Result is one ranked hit from a provider search.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider is the common vector-database surface every backend
// implements, grounded on the teacher's pkg/vector.Provider shape.
type Provider interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
	CreateCollection(ctx context.Context, collection string, vectorDimension int) error
	Name() string
	Close() error
}

// NilProvider is a no-op Provider used when no vector index is
// configured — the Persistent Store's own embedding/trigram search
// then does all of the work (spec.md §4.4).
type NilProvider struct{}

func (NilProvider) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}
func (NilProvider) Search(context.Context, string, []float32, int) ([]Result, error) { return nil, nil }
func (NilProvider) SearchWithFilter(context.Context, string, []float32, int, map[string]any) ([]Result, error) {
	return nil, nil
}
func (NilProvider) Delete(context.Context, string, string) error               { return nil }
func (NilProvider) DeleteByFilter(context.Context, string, map[string]any) error { return nil }
func (NilProvider) CreateCollection(context.Context, string, int) error        { return nil }
func (NilProvider) Name() string                                              { return "nil" }
func (NilProvider) Close() error                                              { return nil }

// ProviderType identifies which backend to build.
type ProviderType string

const (
	ProviderNone     ProviderType = ""
	ProviderChromem  ProviderType = "chromem"
	ProviderQdrant   ProviderType = "qdrant"
	ProviderPinecone ProviderType = "pinecone"
	ProviderWeaviate ProviderType = "weaviate"
	ProviderMilvus   ProviderType = "milvus"
)

// Config selects and configures one backend.
type Config struct {
	Type ProviderType

	Chromem  *ChromemConfig
	Qdrant   *QdrantConfig
	Pinecone *PineconeConfig
	Weaviate *WeaviateConfig
	Milvus   *MilvusConfig
}

// NewProvider builds a Provider from Config, defaulting to NilProvider
// when no backend is selected — the memory feature degrades to SQL
// search rather than failing.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Type {
	case ProviderNone:
		return NilProvider{}, nil
	case ProviderChromem:
		c := ChromemConfig{}
		if cfg.Chromem != nil {
			c = *cfg.Chromem
		}
		return NewChromemProvider(c)
	case ProviderQdrant:
		if cfg.Qdrant == nil {
			return nil, fmt.Errorf("vectorindex: qdrant configuration is required")
		}
		return NewQdrantProvider(*cfg.Qdrant)
	case ProviderPinecone:
		if cfg.Pinecone == nil {
			return nil, fmt.Errorf("vectorindex: pinecone configuration is required")
		}
		return NewPineconeProvider(*cfg.Pinecone)
	case ProviderWeaviate:
		if cfg.Weaviate == nil {
			return nil, fmt.Errorf("vectorindex: weaviate configuration is required")
		}
		return NewWeaviateProvider(*cfg.Weaviate)
	case ProviderMilvus:
		if cfg.Milvus == nil {
			return nil, fmt.Errorf("vectorindex: milvus configuration is required")
		}
		return NewMilvusProvider(*cfg.Milvus)
	default:
		return nil, fmt.Errorf("vectorindex: unknown provider type %q", cfg.Type)
	}
}

// Registry holds named providers — one family-scoped mirror is
// typically enough, but tests and multi-tenant deployments may want
// more than one live side by side.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(name string, p Provider) error {
	if name == "" {
		return fmt.Errorf("vectorindex: provider name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("vectorindex: provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, p := range r.providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing provider %q: %w", name, err)
		}
	}
	r.providers = map[string]Provider{}
	return firstErr
}
