package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WeaviateConfig configures the Weaviate REST backend. Weaviate has no
// first-party Go client in this corpus, so the teacher talks to it
// directly over its HTTP/GraphQL API — we follow the same approach.
type WeaviateConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// WeaviateProvider implements Provider over Weaviate's REST and
// GraphQL endpoints, grounded on the teacher's pkg/vector.WeaviateProvider.
type WeaviateProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewWeaviateProvider(cfg WeaviateConfig) (*WeaviateProvider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("vectorindex: weaviate host is required")
	}
	scheme := "http"
	if cfg.UseTLS {
		scheme = "https"
	}
	port := cfg.Port
	if port == 0 {
		port = 8080
	}
	return &WeaviateProvider{
		baseURL:    fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (p *WeaviateProvider) Name() string { return "weaviate" }

func (p *WeaviateProvider) authHeader(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *WeaviateProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	properties := make(map[string]any, len(metadata))
	for k, v := range metadata {
		properties[k] = v
	}
	vec64 := make([]float64, len(vector))
	for i, v := range vector {
		vec64[i] = float64(v)
	}
	body, err := json.Marshal(map[string]any{"id": id, "class": collection, "properties": properties, "vector": vec64})
	if err != nil {
		return fmt.Errorf("marshaling weaviate object: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/objects", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building weaviate request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upserting weaviate object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate upsert failed: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (p *WeaviateProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *WeaviateProvider) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	vec64 := make([]float64, len(vector))
	for i, v := range vector {
		vec64[i] = float64(v)
	}
	gql := map[string]any{
		"query": fmt.Sprintf(`{ Get { %s { _additional { id certainty } content } } }`, collection),
		"nearVector": map[string]any{
			"vector": vec64,
		},
		"limit": topK,
	}
	if len(filter) > 0 {
		gql["where"] = buildWeaviateWhereClause(filter)
	}
	body, err := json.Marshal(gql)
	if err != nil {
		return nil, fmt.Errorf("marshaling weaviate query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building weaviate query request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying weaviate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weaviate search failed: status %d: %s", resp.StatusCode, b)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding weaviate response: %w", err)
	}
	return convertWeaviateResults(decoded, collection), nil
}

func (p *WeaviateProvider) Delete(ctx context.Context, collection, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/v1/objects/%s/%s", p.baseURL, collection, id), nil)
	if err != nil {
		return fmt.Errorf("building weaviate delete request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting weaviate object %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate delete failed: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (p *WeaviateProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	where := buildWeaviateWhereClause(filter)
	if where == nil {
		return fmt.Errorf("vectorindex: weaviate delete-by-filter requires a non-empty filter")
	}
	body, err := json.Marshal(map[string]any{"match": map[string]any{"class": collection, "where": where}})
	if err != nil {
		return fmt.Errorf("marshaling weaviate batch-delete: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/batch/objects", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building weaviate batch-delete request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("batch-deleting weaviate objects: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate batch-delete failed: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (p *WeaviateProvider) CreateCollection(ctx context.Context, collection string, vectorDimension int) error {
	body, err := json.Marshal(map[string]any{"class": collection, "vectorizer": "none"})
	if err != nil {
		return fmt.Errorf("marshaling weaviate schema: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/schema", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building weaviate schema request: %w", err)
	}
	p.authHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("creating weaviate class %s: %w", collection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusUnprocessableEntity {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate create class failed: status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (p *WeaviateProvider) Close() error { return nil }

func buildWeaviateWhereClause(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	operands := make([]map[string]any, 0, len(filter))
	for k, v := range filter {
		operands = append(operands, map[string]any{
			"path":        []string{k},
			"operator":    "Equal",
			"valueString": fmt.Sprint(v),
		})
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return map[string]any{"operator": "And", "operands": operands}
}

func convertWeaviateResults(decoded map[string]any, collection string) []Result {
	get, _ := decoded["data"].(map[string]any)["Get"].(map[string]any)
	items, _ := get[collection].([]any)
	out := make([]Result, 0, len(items))
	for _, raw := range items {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		additional, _ := obj["_additional"].(map[string]any)
		id, _ := additional["id"].(string)
		certainty, _ := additional["certainty"].(float64)
		content, _ := obj["content"].(string)
		out = append(out, Result{ID: id, Score: float32(certainty), Content: content, Metadata: obj})
	}
	return out
}
