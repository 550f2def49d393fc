package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MilvusConfig configures the Milvus backend. Like the teacher's own
// legacy database provider, we talk to Milvus's HTTP API rather than
// pulling in its gRPC SDK, which keeps this adapter self-contained.
type MilvusConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// MilvusProvider implements Provider over Milvus's HTTP API, grounded
// on the teacher's pkg/databases.milvusDatabaseProvider.
type MilvusProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewMilvusProvider(cfg MilvusConfig) (*MilvusProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("vectorindex: milvus host is required")
	}
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	port := cfg.Port
	if port == 0 {
		port = 19530
	}
	return &MilvusProvider{
		baseURL:    fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *MilvusProvider) Name() string { return "milvus" }

func (p *MilvusProvider) authHeader(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *MilvusProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	vec64 := make([]float64, len(vector))
	for i, v := range vector {
		vec64[i] = float64(v)
	}
	entity := map[string]any{"id": id, "vector": vec64}
	for k, v := range metadata {
		entity[k] = v
	}
	body, err := json.Marshal(map[string]any{"collection_name": collection, "data": []map[string]any{entity}})
	if err != nil {
		return fmt.Errorf("marshaling milvus entity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/entities", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building milvus insert request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inserting into milvus: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("milvus insert failed: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (p *MilvusProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *MilvusProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	vec64 := make([]float64, len(vector))
	for i, v := range vector {
		vec64[i] = float64(v)
	}
	payload := map[string]any{
		"collection_name": collection,
		"vector":          vec64,
		"top_k":           topK,
		"metric_type":     "COSINE",
	}
	if len(filter) > 0 {
		payload["expr"] = buildMilvusFilter(filter)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling milvus query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building milvus search request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching milvus: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("milvus search failed: status %d: %s", resp.StatusCode, b)
	}
	var decoded struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding milvus response: %w", err)
	}
	out := make([]Result, 0, len(decoded.Data))
	for _, row := range decoded.Data {
		id, _ := row["id"].(string)
		score, _ := row["score"].(float64)
		content, _ := row["content"].(string)
		out = append(out, Result{ID: id, Score: float32(score), Content: content, Metadata: row})
	}
	return out, nil
}

func (p *MilvusProvider) Delete(ctx context.Context, collection, id string) error {
	return p.DeleteByFilter(ctx, collection, map[string]any{"id": id})
}

func (p *MilvusProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	body, err := json.Marshal(map[string]any{"collection_name": collection, "expr": buildMilvusFilter(filter)})
	if err != nil {
		return fmt.Errorf("marshaling milvus delete: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/api/v1/entities", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building milvus delete request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting from milvus: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("milvus delete failed: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (p *MilvusProvider) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	body, err := json.Marshal(map[string]any{
		"collection_name": collection,
		"dimension":       vectorDimension,
		"metric_type":     "COSINE",
	})
	if err != nil {
		return fmt.Errorf("marshaling milvus collection schema: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/collections", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building milvus create-collection request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("creating milvus collection %s: %w", collection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("milvus create collection failed: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (p *MilvusProvider) Close() error { return nil }

func buildMilvusFilter(filter map[string]any) string {
	parts := make([]string, 0, len(filter))
	for k, v := range filter {
		switch val := v.(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s == %q", k, val))
		default:
			parts = append(parts, fmt.Sprintf("%s == %v", k, val))
		}
	}
	return strings.Join(parts, " && ")
}
