package embedding

import (
	"fmt"
	"time"

	"github.com/familyledger/core/internal/config"
)

// New builds the configured embedding provider wrapped with the process-wide
// cache layer, per EMBED_PROVIDER/EMB_CACHE_BACKEND.
func New(cfg *config.Config) (*CachedProvider, error) {
	var provider Provider
	switch cfg.EmbedProvider {
	case "ollama":
		provider = NewOllamaProvider(cfg.OllamaHost, cfg.EmbedModel)
	case "openai", "":
		p, err := NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbedModel)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("embedding: unknown EMBED_PROVIDER %q", cfg.EmbedProvider)
	}

	var store CacheStore
	switch cfg.EmbCacheBackend {
	case "redis":
		s, err := NewRedisCacheStore(cfg.RedisURL, "emb:")
		if err != nil {
			return nil, err
		}
		store = s
	case "memory", "":
		store = NewLRUCacheStore(cfg.EmbCacheMaxItems)
	default:
		return nil, fmt.Errorf("embedding: unknown EMB_CACHE_BACKEND %q", cfg.EmbCacheBackend)
	}

	ttl := time.Duration(cfg.EmbCacheTTLSeconds) * time.Second
	return NewCachedProvider(provider, store, ttl), nil
}
