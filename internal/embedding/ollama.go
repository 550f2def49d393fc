package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ollamaEmbedMu serializes Ollama embedding requests: the teacher's own
// provider holds a global mutex here because Ollama's runner crashes on
// concurrent embedding requests.
var ollamaEmbedMu sync.Mutex

// OllamaProvider implements Provider over a local Ollama server, grounded
// on the teacher's pkg/embedders/ollama.go.
type OllamaProvider struct {
	client    *http.Client
	host      string
	model     string
	dimension int
	maxRetry  int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func NewOllamaProvider(host, model string) *OllamaProvider {
	if host == "" {
		host = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaProvider{
		client:    &http.Client{Timeout: 30 * time.Second},
		host:      host,
		model:     model,
		dimension: 768,
		maxRetry:  3,
	}
}

func (p *OllamaProvider) Dimension() int { return p.dimension }
func (p *OllamaProvider) Model() string  { return p.model }

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshaling ollama request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetry; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("embedding: building ollama request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("embedding: calling ollama: %w", err)
			if attempt < p.maxRetry-1 {
				time.Sleep(time.Duration(attempt+1) * time.Second)
				continue
			}
			return nil, lastErr
		}

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("embedding: ollama returned status %d: %s", resp.StatusCode, b)
		}

		var decoded ollamaEmbedResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("embedding: decoding ollama response: %w", decodeErr)
		}
		if len(decoded.Embedding) == 0 {
			return nil, fmt.Errorf("embedding: ollama returned an empty embedding")
		}
		return decoded.Embedding, nil
	}
	return nil, lastErr
}
