package analysis

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyledger/core/internal/contextmgr"
	"github.com/familyledger/core/internal/household"
	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/store"
)

// stubLLM returns queued ChatJSON responses in order, one per call.
type stubLLM struct {
	responses []map[string]any
	errs      []error
	calls     int
	userCalls []string
}

func (s *stubLLM) ChatText(ctx context.Context, system, user string) (string, error) {
	return "", nil
}

func (s *stubLLM) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	idx := s.calls
	s.calls++
	s.userCalls = append(s.userCalls, user)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return s.responses[len(s.responses)-1], nil
}

func (s *stubLLM) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }

func newTestContextManager(t *testing.T) *contextmgr.Manager {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return contextmgr.NewManager(s, household.NewCache(s, 0), nil)
}

func understandingDone(intent string) map[string]any {
	return map[string]any{
		"understanding": map[string]any{
			"intent":                intent,
			"entities":              map[string]any{},
			"need_action":           true,
			"need_clarification":    false,
			"needs_deeper_analysis": false,
		},
		"context_requests":    []any{},
		"tool_plan":           map[string]any{"steps": []any{}},
		"response_directives": map[string]any{"profile": "default"},
	}
}

func TestAnalyze_SingleRoundWhenNoDeeperAnalysisNeeded(t *testing.T) {
	llm := &stubLLM{responses: []map[string]any{understandingDone("log an expense")}}
	e := NewEngine(llm, newTestContextManager(t))

	result, err := e.Analyze(context.Background(), "spent $20 on groceries", User{Principal: "u1"}, nil, "system prompt", "trace-1")
	require.NoError(t, err)
	assert.Equal(t, "log an expense", result.Understanding.Intent)
	assert.Equal(t, 1, result.Understanding.ThinkingDepth)
	assert.Equal(t, 1, llm.calls)
}

func TestAnalyze_ExitsWithoutExtraRoundWhenContextRequestsEmpty(t *testing.T) {
	round1 := map[string]any{
		"understanding": map[string]any{
			"intent":                "ambiguous",
			"entities":              map[string]any{},
			"need_action":           false,
			"need_clarification":    false,
			"needs_deeper_analysis": true,
		},
		"context_requests":    []any{},
		"tool_plan":           map[string]any{"steps": []any{}},
		"response_directives": map[string]any{},
	}
	llm := &stubLLM{responses: []map[string]any{round1}}
	e := NewEngine(llm, newTestContextManager(t))

	result, err := e.Analyze(context.Background(), "hmm", User{Principal: "u1"}, nil, "sys", "trace-2")
	require.NoError(t, err)
	assert.True(t, result.Understanding.NeedsDeeperAnalysis)
	assert.Equal(t, 1, llm.calls)
}

// A declared context_request's filters narrow the resolved context_payload,
// exercising ContextRequest.Filters end-to-end through contextmgr.Resolve.
func TestAnalyze_ContextRequestFiltersNarrowResults(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(ctx, "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	groceries, rent := storeMemory("u1", "groceries"), storeMemory("u1", "rent")
	require.NoError(t, s.CreateMemory(ctx, &groceries))
	require.NoError(t, s.CreateMemory(ctx, &rent))

	mgr := contextmgr.NewManager(s, household.NewCache(s, 0), nil)

	round1 := map[string]any{
		"understanding": map[string]any{
			"intent":                "what did I spend on groceries",
			"entities":              map[string]any{},
			"need_action":           false,
			"need_clarification":    false,
			"needs_deeper_analysis": true,
		},
		"context_requests": []any{
			map[string]any{
				"name":    "groceries_only",
				"kind":    "direct_search",
				"filters": map[string]any{"category": "groceries"},
			},
		},
		"tool_plan":           map[string]any{"steps": []any{}},
		"response_directives": map[string]any{},
	}
	llm := &stubLLM{responses: []map[string]any{round1, understandingDone("what did I spend on groceries")}}
	e := NewEngine(llm, mgr)

	_, err = e.Analyze(ctx, "what did I spend on groceries", User{Principal: "u1"}, nil, "sys", "trace-filters")
	require.NoError(t, err)
	require.Equal(t, 2, llm.calls)

	round2Payload := llm.userCalls[1]
	assert.Contains(t, round2Payload, "groceries")
	assert.NotContains(t, round2Payload, "rent")
}

func storeMemory(userID, category string) model.Memory {
	return model.Memory{
		ID: uuid.NewString(), UserID: userID, Content: category,
		AIUnderstanding: map[string]any{"type": "financial", "category": category},
		Type:            "financial", Category: category,
	}
}

func TestAnalyze_NeverExceedsMaxRounds(t *testing.T) {
	deeper := map[string]any{
		"understanding": map[string]any{
			"intent":                "keeps digging",
			"entities":              map[string]any{},
			"need_action":           false,
			"need_clarification":    false,
			"needs_deeper_analysis": true,
		},
		"context_requests":    []any{map[string]any{"name": "recent", "kind": "recent_memories", "limit": 3}},
		"tool_plan":           map[string]any{"steps": []any{}},
		"response_directives": map[string]any{},
	}
	llm := &stubLLM{responses: []map[string]any{deeper, deeper, deeper, deeper}}
	e := NewEngine(llm, newTestContextManager(t))

	result, err := e.Analyze(context.Background(), "keep going", User{Principal: "u1"}, nil, "sys", "trace-3")
	require.NoError(t, err)
	assert.Equal(t, MaxRounds, result.Understanding.ThinkingDepth)
	assert.Equal(t, MaxRounds, llm.calls)
}

func TestAnalyze_InvalidJSONYieldsAnalysisError(t *testing.T) {
	llm := &stubLLM{responses: []map[string]any{{"understanding": "not an object"}}}
	e := NewEngine(llm, newTestContextManager(t))

	_, err := e.Analyze(context.Background(), "x", User{Principal: "u1"}, nil, "sys", "trace-4")
	assert.Error(t, err)
}

type transportError struct{}

func (transportError) Error() string { return "transport failure" }

func TestAnalyze_TransportFailureRetriesOnce(t *testing.T) {
	llm := &stubLLM{
		responses: []map[string]any{understandingDone("retried ok")},
		errs:      []error{transportError{}},
	}
	e := NewEngine(llm, newTestContextManager(t))

	result, err := e.Analyze(context.Background(), "x", User{Principal: "u1"}, nil, "sys", "trace-5")
	require.NoError(t, err)
	assert.Equal(t, "retried ok", result.Understanding.Intent)
	assert.Equal(t, 2, llm.calls)
}

func TestAnalyze_TransportFailureExhaustingRetryIsError(t *testing.T) {
	llm := &stubLLM{
		responses: []map[string]any{understandingDone("unreachable")},
		errs:      []error{transportError{}, transportError{}},
	}
	e := NewEngine(llm, newTestContextManager(t))

	_, err := e.Analyze(context.Background(), "x", User{Principal: "u1"}, nil, "sys", "trace-6")
	assert.Error(t, err)
	assert.Equal(t, 2, llm.calls)
}
