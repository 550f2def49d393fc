package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIOptions configures the OpenAI provider.
type OpenAIOptions struct {
	ChatModel      string
	EmbeddingModel string
}

// OpenAIProvider wraps Chat Completions (for ChatText/ChatJSON) and the
// Embeddings API (for Embed).
type OpenAIProvider struct {
	client         sdk.Client
	chatModel      string
	embeddingModel string
}

func NewOpenAIProvider(apiKey string, opts OpenAIOptions) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llmclient: openai api key is required")
	}
	if opts.ChatModel == "" {
		opts.ChatModel = "gpt-4o"
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-3-small"
	}
	return &OpenAIProvider{
		client:         sdk.NewClient(option.WithAPIKey(apiKey)),
		chatModel:      opts.ChatModel,
		embeddingModel: opts.EmbeddingModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) ChatText(ctx context.Context, system, user string) (string, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(p.chatModel),
		Messages: p.messages(system, user),
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llmclient: openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llmclient: openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(p.chatModel),
		Messages: p.messages(system, user),
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &sdk.ResponseFormatJSONSchemaParam{
				JSONSchema: sdk.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "structured_response",
					Schema: schema,
					Strict: sdk.Bool(true),
				},
			},
		},
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llmclient: openai chat_json: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llmclient: openai returned no choices")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("llmclient: decoding openai json response: %w", err)
	}
	return out, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	params := sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(p.embeddingModel),
		Input: sdk.EmbeddingNewParamsInputUnion{OfString: sdk.String(text)},
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llmclient: openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llmclient: openai returned no embedding data")
	}
	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

func (p *OpenAIProvider) messages(system, user string) []sdk.ChatCompletionMessageParamUnion {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, sdk.SystemMessage(system))
	}
	msgs = append(msgs, sdk.UserMessage(user))
	return msgs
}
