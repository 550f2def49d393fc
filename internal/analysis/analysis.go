// Package analysis is the Analysis Engine of spec.md §4.5: a bounded
// thinking loop that turns an inbound message into an Analysis — the
// structured understanding, context requests, tool plan, and response
// directives the orchestrator acts on.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/familyledger/core/internal/contextmgr"
	"github.com/familyledger/core/internal/errs"
	"github.com/familyledger/core/internal/llmclient"
	"github.com/familyledger/core/internal/store"
)

// MaxRounds is spec.md §4.5's thinking-loop bound.
const MaxRounds = 3

// MaxTransportRetries is the number of retries allowed for
// transport-level (not schema/parse) failures, per spec.md §4.5.
const MaxTransportRetries = 1

// Understanding is the Analysis.understanding block (spec.md §4.5).
type Understanding struct {
	Intent                string         `json:"intent"`
	Entities              map[string]any `json:"entities"`
	NeedAction            bool           `json:"need_action"`
	NeedClarification      bool           `json:"need_clarification"`
	MissingFields          []string       `json:"missing_fields,omitempty"`
	ClarificationQuestions []string       `json:"clarification_questions,omitempty"`
	SuggestedReply         string         `json:"suggested_reply,omitempty"`
	ThinkingDepth          int            `json:"thinking_depth"`
	NeedsDeeperAnalysis    bool           `json:"needs_deeper_analysis"`
	AnalysisReasoning      string         `json:"analysis_reasoning,omitempty"`
	NextExplorationAreas   []string       `json:"next_exploration_areas,omitempty"`
}

// ContextRequest is one entry of Analysis.context_requests.
type ContextRequest struct {
	Name    string        `json:"name"`
	Kind    string        `json:"kind"`
	Query   string        `json:"query,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Filters *ContextFilter `json:"filters,omitempty"`
}

// ContextFilter is the LLM-facing shape of store.Filter (spec.md
// §4.4's filter grammar): dates as RFC3339 strings instead of
// *time.Time, since the model emits JSON. Every context_request kind
// (direct_search included) treats it as optional refinement: a request
// without filters is not rejected.
type ContextFilter struct {
	Type        string         `json:"type,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Category    string         `json:"category,omitempty"`
	Person      string         `json:"person,omitempty"`
	DateFrom    string         `json:"date_from,omitempty"`
	DateTo      string         `json:"date_to,omitempty"`
	AmountMin   *float64       `json:"amount_min,omitempty"`
	AmountMax   *float64       `json:"amount_max,omitempty"`
	JSONBEquals map[string]any `json:"jsonb_equals,omitempty"`
	Deleted     *bool          `json:"deleted,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// toStoreFilter converts the LLM-facing filter into store.Filter,
// parsing RFC3339 date strings. Malformed dates are dropped rather
// than failing the round — a best-effort filter still narrows results,
// and a 3-round budget is too tight to spend retrying on this.
func (f *ContextFilter) toStoreFilter() store.Filter {
	if f == nil {
		return store.Filter{}
	}
	sf := store.Filter{
		Type:        f.Type,
		ThreadID:    f.ThreadID,
		Category:    f.Category,
		Person:      f.Person,
		AmountMin:   f.AmountMin,
		AmountMax:   f.AmountMax,
		JSONBEquals: f.JSONBEquals,
		Deleted:     f.Deleted,
		Limit:       f.Limit,
	}
	if f.DateFrom != "" {
		if t, err := time.Parse(time.RFC3339, f.DateFrom); err == nil {
			sf.DateFrom = &t
		}
	}
	if f.DateTo != "" {
		if t, err := time.Parse(time.RFC3339, f.DateTo); err == nil {
			sf.DateTo = &t
		}
	}
	return sf
}

// ToolStep is one entry of Analysis.tool_plan.steps.
type ToolStep struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Mandatory bool           `json:"mandatory,omitempty"`
}

// ToolPlan is Analysis.tool_plan.
type ToolPlan struct {
	Steps []ToolStep `json:"steps"`
}

// ResponseDirectives is Analysis.response_directives.
type ResponseDirectives struct {
	Profile string `json:"profile,omitempty"` // "default" | "compact"
	Voice   string `json:"voice,omitempty"`
	Focus   string `json:"focus,omitempty"`
}

// Analysis is the full structured result of one analyze() call.
type Analysis struct {
	Understanding      Understanding    `json:"understanding"`
	ContextRequests    []ContextRequest `json:"context_requests"`
	ToolPlan           ToolPlan         `json:"tool_plan"`
	ResponseDirectives ResponseDirectives `json:"response_directives"`
}

// User identifies the message's sender for the analyze() payload.
type User struct {
	Principal string `json:"principal"`
	Channel   string `json:"channel"`
	ThreadID  string `json:"thread_id"`
}

// Engine runs the bounded thinking loop over an llmclient.Client.
type Engine struct {
	llm     llmclient.Client
	context *contextmgr.Manager
	schema  map[string]any
}

func NewEngine(llm llmclient.Client, ctxMgr *contextmgr.Manager) *Engine {
	return &Engine{llm: llm, context: ctxMgr, schema: analysisSchema()}
}

func analysisSchema() map[string]any {
	reflector := &jsonschema.Reflector{RequiredFromJSONSchemaTags: true, ExpandedStruct: true, DoNotReference: true}
	schema := reflector.Reflect(new(Analysis))
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("analysis: reflecting schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("analysis: decoding reflected schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// Analyze implements spec.md §4.5's bounded ≤3-round thinking loop.
func (e *Engine) Analyze(ctx context.Context, content string, user User, basicContext map[string]any, systemPrompt, traceID string) (Analysis, error) {
	accumulated := basicContext
	var last Analysis

	for round := 1; round <= MaxRounds; round++ {
		payload := map[string]any{
			"message": content,
			"user":    user,
			"context": accumulated,
		}
		userJSON, err := json.Marshal(payload)
		if err != nil {
			return Analysis{}, errs.Analysis(traceID, user.Principal, fmt.Sprintf("round %d: marshaling payload", round), err)
		}

		result, err := e.callWithRetry(ctx, systemPrompt, string(userJSON))
		if err != nil {
			return Analysis{}, errs.Analysis(traceID, user.Principal, fmt.Sprintf("round %d: provider call", round), err)
		}

		var parsed Analysis
		raw, err := json.Marshal(result)
		if err != nil {
			return Analysis{}, errs.Analysis(traceID, user.Principal, fmt.Sprintf("round %d: re-marshaling response", round), err)
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return Analysis{}, errs.Analysis(traceID, user.Principal, fmt.Sprintf("round %d: invalid JSON (snippet: %s)", round, snippet(raw)), err)
		}
		parsed.Understanding.ThinkingDepth = round
		last = parsed

		if !parsed.Understanding.NeedsDeeperAnalysis || round == MaxRounds {
			return last, nil
		}
		if len(parsed.ContextRequests) == 0 {
			// The engine never fabricates context requests: no
			// declared requests means the loop exits here even if
			// needs_deeper_analysis was true.
			return last, nil
		}

		requests := make([]contextmgr.Request, 0, len(parsed.ContextRequests))
		for _, r := range parsed.ContextRequests {
			requests = append(requests, contextmgr.Request{
				Name:   r.Name,
				Kind:   r.Kind,
				Query:  r.Query,
				Limit:  r.Limit,
				Filter: r.Filters.toStoreFilter(),
			})
		}
		resolved, err := e.context.Resolve(ctx, user.Principal, requests, nil)
		if err != nil {
			return Analysis{}, errs.ContextResolution(traceID, user.Principal, fmt.Sprintf("round %d: resolving context_requests", round), err)
		}

		merged := make(map[string]any, len(accumulated)+len(resolved))
		for k, v := range accumulated {
			merged[k] = v
		}
		for k, v := range resolved {
			merged[k] = v
		}
		accumulated = merged
	}

	return last, nil
}

// callWithRetry attempts the ChatJSON call, retrying once on a
// transport-level failure (the call itself erroring) but never on a
// successfully-returned-but-malformed response — that's a parse error
// the caller classifies, not something a retry fixes.
func (e *Engine) callWithRetry(ctx context.Context, system, user string) (map[string]any, error) {
	result, err := e.llm.ChatJSON(ctx, system, user, e.schema)
	if err == nil {
		return result, nil
	}
	for attempt := 0; attempt < MaxTransportRetries; attempt++ {
		result, err = e.llm.ChatJSON(ctx, system, user, e.schema)
		if err == nil {
			return result, nil
		}
	}
	return nil, err
}

func snippet(raw []byte) string {
	const max = 200
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}
