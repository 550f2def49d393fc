package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicMessages captures the subset of the Anthropic SDK used here, so
// tests can substitute a mock in place of *sdk.MessageService.
type anthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the Anthropic provider.
type AnthropicOptions struct {
	Model     string
	MaxTokens int64
}

// AnthropicProvider wraps the Anthropic Messages API.
type AnthropicProvider struct {
	msg    anthropicMessages
	model  string
	maxTok int64
}

func NewAnthropicProvider(apiKey string, opts AnthropicOptions) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llmclient: anthropic api key is required")
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5-20250929"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{msg: &client.Messages, model: opts.Model, maxTok: opts.MaxTokens}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) ChatText(ctx context.Context, system, user string) (string, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTok,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	resp, err := p.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llmclient: anthropic chat: %w", err)
	}
	return extractAnthropicText(resp), nil
}

// ChatJSON forces structured output via a single synthetic tool whose input
// schema is the caller's schema, then reads back the tool call's arguments —
// the SDK's native structured-output path, per goa-ai's adapter.
func (p *AnthropicProvider) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	const toolName = "emit_structured_response"
	schemaParam, err := toAnthropicInputSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("llmclient: anthropic schema conversion: %w", err)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: p.maxTok,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
		Tools:     []sdk.ToolUnionParam{sdk.ToolUnionParamOfTool(schemaParam, toolName)},
		ToolChoice: sdk.ToolChoiceUnionParam{
			OfTool: &sdk.ToolChoiceToolParam{Name: toolName},
		},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	resp, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llmclient: anthropic chat_json: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(block.Input, &out); err != nil {
			return nil, fmt.Errorf("llmclient: decoding anthropic tool_use input: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("llmclient: anthropic response contained no tool_use block")
}

func (p *AnthropicProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("llmclient: anthropic does not expose an embeddings endpoint; configure EMBED_PROVIDER instead")
}

func extractAnthropicText(msg *sdk.Message) string {
	out := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

func toAnthropicInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}, nil
}
