// Package toolservice implements the generic, domain-agnostic Tool Service
// of spec.md §4.4: eight memory/reminder primitives plus batch variants,
// render_chart, and get_tool_specs, served over HTTP.
package toolservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/familyledger/core/internal/registry"
	"github.com/familyledger/core/internal/store"
)

// Spec describes one tool for both the HTTP surface and get_tool_specs:
// name, JSON schema, declared capabilities, time budget, and a latency
// hint, per spec.md §4.4's tool table.
type Spec struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	InputSchema   map[string]any `json:"input_schema"`
	XCapabilities []string       `json:"x_capabilities"`
	XTimeBudget   time.Duration  `json:"x_time_budget"`
	XLatencyHint  string         `json:"x_latency_hint"`
}

// Tool is one entry in the tool service: a spec plus its handler.
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Registry holds every tool the service exposes, keyed by name.
type Registry struct {
	*registry.BaseRegistry[Tool]
	// StrictMode mirrors MCP_STRICT_MODE (spec.md §9): when true (the
	// production default) every dispatch failure surfaces as a real
	// error. When false, Dispatch is allowed to paper over an unknown
	// tool or a handler error with a simulated success, which is
	// reserved for local development and never used in production.
	StrictMode bool
	tx         store.Transactor
}

func NewRegistry(strictMode bool, tx store.Transactor) *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool](), StrictMode: strictMode, tx: tx}
}

// WithTx runs fn with ctx carrying a single store transaction, so every
// tool dispatch fn makes is committed or rolled back together. Used to
// give batch_* tools and the tool executor's soft-upsert rewrite the
// all-or-nothing visibility spec.md §5 requires.
func (r *Registry) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.tx.WithTx(ctx, fn)
}

// Specs returns every registered tool's Spec, sorted by name, for
// get_tool_specs.
func (r *Registry) Specs() []Spec {
	tools := r.List()
	specs := make([]Spec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Dispatch runs a single {tool, args} step against the registry. It never
// panics on an unknown tool — it returns an error the caller can translate
// into an MCPToolError.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	tool, ok := r.Get(name)
	if !ok {
		if r.StrictMode {
			return nil, fmt.Errorf("toolservice: unknown tool %q", name)
		}
		return map[string]any{"simulated": true, "tool": name}, nil
	}
	out, err := tool.Execute(ctx, args)
	if err != nil && !r.StrictMode {
		return map[string]any{"simulated": true, "tool": name, "suppressed_error": err.Error()}, nil
	}
	return out, err
}

// simpleTool adapts a func-based handler plus a static Spec into a Tool,
// avoiding a one-off struct per tool.
type simpleTool struct {
	spec Spec
	fn   func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func newTool(spec Spec, fn func(ctx context.Context, args map[string]any) (map[string]any, error)) Tool {
	return &simpleTool{spec: spec, fn: fn}
}

func (t *simpleTool) Spec() Spec { return t.spec }

func (t *simpleTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.fn(ctx, args)
}

// argString/argMap/argUserIDs pull a typed value out of the
// generic args map, since every tool call arrives as decoded JSON.
func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argMap(args map[string]any, key string) (map[string]any, bool) {
	v, ok := args[key]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func argUserIDs(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// decodeInto round-trips args through JSON into a typed struct, the same
// pattern the teacher's functiontool package uses to bind loose args.
func decodeInto(args map[string]any, out any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolservice: marshaling args: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("toolservice: decoding args: %w", err)
	}
	return nil
}
