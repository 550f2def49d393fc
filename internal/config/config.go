// Package config loads the engine's environment-based configuration,
// per spec.md §6. Adapted from the teacher's pkg/config/env.go
// (.env loading, env-var expansion) but trimmed to the flat env-var
// surface the spec actually names — no YAML agent-config tree.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of environment-driven settings (spec.md §6).
type Config struct {
	DatabaseURL string

	ToolServiceURL string

	LLMProviderName string // "anthropic" | "openai" | "gemini"
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string
	LLMModel        string

	EmbedProvider    string // "openai" | "ollama"
	EmbedModel       string
	OllamaHost       string

	FamilySharedUserIDs []string

	MCPStrictMode bool

	EmbCacheMaxItems   int
	EmbCacheTTLSeconds int
	EmbCacheBackend    string // "memory" | "redis"
	RedisURL           string

	MediaRoot     string
	SigningSecret string

	JWTSecret   string // HMAC signing key for bearer tokens on POST /message
	JWTIssuer   string
	JWTAudience string

	PromptCatalogPath string
	ReminderPollSeconds int

	VectorIndexProvider string // "" | "chromem" | "qdrant" | "pinecone" | "weaviate" | "milvus"
	QdrantHost          string
	PineconeAPIKey      string
	WeaviateHost        string
	MilvusHost          string

	MessageDeadline time.Duration

	OTLPEndpoint string
	LogLevel     string

	HTTPAddr string
}

// Load reads .env/.env.local (if present) then the process environment,
// applying the defaults spec.md leaves unspecified as documented in
// SPEC_FULL.md §9.
func Load() (*Config, error) {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	c := &Config{
		DatabaseURL:         getenv("DATABASE_URL", "sqlite://./familyledger.db"),
		ToolServiceURL:      getenv("TOOL_SERVICE_URL", "http://localhost:8081"),
		LLMProviderName:     getenv("LLM_PROVIDER_NAME", "anthropic"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		LLMModel:            getenv("LLM_MODEL", "claude-sonnet-4-20250514"),
		EmbedProvider:       getenv("EMBED_PROVIDER", "openai"),
		EmbedModel:          getenv("EMBED_MODEL", "text-embedding-3-small"),
		OllamaHost:          getenv("OLLAMA_HOST", "http://localhost:11434"),
		MCPStrictMode:       getbool("MCP_STRICT_MODE", false),
		EmbCacheMaxItems:    getint("EMB_CACHE_MAX_ITEMS", 1000),
		EmbCacheTTLSeconds:  getint("EMB_CACHE_TTL_SECONDS", 3600),
		EmbCacheBackend:     getenv("EMB_CACHE_BACKEND", "memory"),
		RedisURL:            os.Getenv("REDIS_URL"),
		MediaRoot:           getenv("MEDIA_ROOT", "./media"),
		SigningSecret:       os.Getenv("SIGNING_SECRET"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTIssuer:           getenv("JWT_ISSUER", "familyledger"),
		JWTAudience:         getenv("JWT_AUDIENCE", "familyledger-clients"),
		PromptCatalogPath:   getenv("PROMPT_CATALOG_PATH", "./config/prompts.yaml"),
		ReminderPollSeconds: getint("REMINDER_POLL_SECONDS", 30),
		VectorIndexProvider: os.Getenv("VECTOR_INDEX_PROVIDER"),
		QdrantHost:          os.Getenv("QDRANT_HOST"),
		PineconeAPIKey:      os.Getenv("PINECONE_API_KEY"),
		WeaviateHost:        os.Getenv("WEAVIATE_HOST"),
		MilvusHost:          os.Getenv("MILVUS_HOST"),
		MessageDeadline:     time.Duration(getint("MESSAGE_DEADLINE_SECONDS", 20)) * time.Second,
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		HTTPAddr:            getenv("HTTP_ADDR", ":8080"),
	}

	if raw := os.Getenv("FAMILY_SHARED_USER_IDS"); raw != "" {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("FAMILY_SHARED_USER_IDS: invalid JSON list: %w", err)
		}
		c.FamilySharedUserIDs = ids
	}

	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
