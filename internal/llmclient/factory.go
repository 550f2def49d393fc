package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/familyledger/core/internal/config"
)

// New builds the configured provider (per LLM_PROVIDER_NAME) and wraps it
// with the shared rate-limiting/caching/usage decorators.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (Client, error) {
	usage := NewPromUsageRecorder(reg)
	opts := Options{
		RequestsPerMinute: 60,
		Burst:             5,
		MaxConcurrent:     8,
		CacheTTL:          10 * time.Second,
		Usage:             usage,
		Phase:             "default",
	}

	switch cfg.LLMProviderName {
	case "anthropic":
		p, err := NewAnthropicProvider(cfg.AnthropicAPIKey, AnthropicOptions{Model: cfg.LLMModel})
		if err != nil {
			return nil, err
		}
		return Wrap(p, opts), nil
	case "openai":
		p, err := NewOpenAIProvider(cfg.OpenAIAPIKey, OpenAIOptions{ChatModel: cfg.LLMModel})
		if err != nil {
			return nil, err
		}
		return Wrap(p, opts), nil
	case "gemini":
		p, err := NewGeminiProvider(ctx, cfg.GeminiAPIKey, GeminiOptions{Model: cfg.LLMModel})
		if err != nil {
			return nil, err
		}
		return Wrap(p, opts), nil
	default:
		return nil, fmt.Errorf("llmclient: unknown LLM_PROVIDER_NAME %q", cfg.LLMProviderName)
	}
}

// WithPhase returns a shallow copy of opts tagged for a specific
// orchestrator phase, so Prometheus usage counters split by phase.
func (o Options) WithPhase(phase string) Options {
	o.Phase = phase
	return o
}
