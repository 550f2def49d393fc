package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiOptions configures the Gemini provider.
type GeminiOptions struct {
	Model       string
	Temperature float32
}

// GeminiProvider wraps google.golang.org/genai's GenerateContent, grounded
// on the teacher's pkg/model/gemini adapter.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiProvider(ctx context.Context, apiKey string, opts GeminiOptions) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llmclient: gemini api key is required")
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llmclient: creating gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: opts.Model, temperature: opts.Temperature}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) ChatText(ctx context.Context, system, user string) (string, error) {
	config := p.baseConfig(system)
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(user), config)
	if err != nil {
		return "", fmt.Errorf("llmclient: gemini chat: %w", err)
	}
	return extractGeminiText(resp), nil
}

func (p *GeminiProvider) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	config := p.baseConfig(system)
	config.ResponseMIMEType = "application/json"
	if schema != nil {
		config.ResponseSchema = toGenaiSchema(schema)
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(user), config)
	if err != nil {
		return nil, fmt.Errorf("llmclient: gemini chat_json: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(extractGeminiText(resp)), &out); err != nil {
		return nil, fmt.Errorf("llmclient: decoding gemini json response: %w", err)
	}
	return out, nil
}

func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Models.EmbedContent(ctx, "text-embedding-004", genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("llmclient: gemini embed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("llmclient: gemini returned no embeddings")
	}
	return resp.Embeddings[0].Values, nil
}

func (p *GeminiProvider) baseConfig(system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{Temperature: &p.temperature}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return cfg
}

func extractGeminiText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	out := ""
	for _, part := range resp.Candidates[0].Content.Parts {
		out += part.Text
	}
	return out
}

// toGenaiSchema converts a JSON schema map into genai.Schema, adapted
// verbatim from the teacher's pkg/model/gemini.toGenaiSchema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
