package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyledger/core/internal/analysis"
	"github.com/familyledger/core/internal/contextmgr"
	"github.com/familyledger/core/internal/errs"
	"github.com/familyledger/core/internal/experiment"
	"github.com/familyledger/core/internal/household"
	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/prompt"
	"github.com/familyledger/core/internal/scope"
	"github.com/familyledger/core/internal/store"
	"github.com/familyledger/core/internal/toolexec"
	"github.com/familyledger/core/internal/toolservice"
)

// fakeLLM answers ChatJSON from a queue (one entry per analysis round)
// and ChatText from a queue (one entry per clarify/respond/summarize
// call), in call order.
type fakeLLM struct {
	jsonResponses []map[string]any
	jsonIdx       int
	textResponses []string
	textIdx       int
	textCalls     []string // the user payload passed to each ChatText call
}

func (f *fakeLLM) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	idx := f.jsonIdx
	f.jsonIdx++
	if idx >= len(f.jsonResponses) {
		idx = len(f.jsonResponses) - 1
	}
	return f.jsonResponses[idx], nil
}

func (f *fakeLLM) ChatText(ctx context.Context, system, user string) (string, error) {
	f.textCalls = append(f.textCalls, user)
	idx := f.textIdx
	f.textIdx++
	if idx >= len(f.textResponses) {
		idx = len(f.textResponses) - 1
	}
	return f.textResponses[idx], nil
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }

func understanding(intent string, needClarification, needAction bool) map[string]any {
	return map[string]any{
		"understanding": map[string]any{
			"intent":                intent,
			"entities":              map[string]any{},
			"need_action":           needAction,
			"need_clarification":    needClarification,
			"needs_deeper_analysis": false,
		},
		"context_requests":    []any{},
		"tool_plan":           map[string]any{"steps": []any{}},
		"response_directives": map[string]any{"profile": "default"},
	}
}

const testCatalogYAML = `
blocks:
  - name: sys
    text: "You are a family assistant."
  - name: tools
    text: "Tools:\n{{DYNAMIC_TOOLS}}"
variants:
  - name: default
    phases:
      system_blocks: [sys]
      understanding_blocks: [sys, tools]
      tool_planning_blocks: [sys, tools]
      response_blocks: [sys]
`

func newTestAssembler(t *testing.T) *prompt.Assembler {
	t.Helper()
	path := t.TempDir() + "/catalog.yaml"
	require.NoError(t, writeFile(path, testCatalogYAML))
	catalog, err := prompt.LoadCatalog(path)
	require.NoError(t, err)
	return prompt.NewAssembler(catalog, time.Minute)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func newTestOrchestrator(t *testing.T, llm *fakeLLM) (*Orchestrator, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hhCache := household.NewCache(s, 0)
	ctxMgr := contextmgr.NewManager(s, hhCache, nil)
	analysisEng := analysis.NewEngine(llm, ctxMgr)

	reg := toolservice.BuildRegistry(s, true, t.TempDir(), "/media")
	toolExec, err := toolexec.NewExecutor(reg, nil, toolexec.DefaultConfig())
	require.NoError(t, err)

	experiments := experiment.NewManager()
	experiments.Register(experiment.Definition{
		ID:    PromptVariantExperimentID,
		Bands: []experiment.Band{{Variant: "default", Start: 0, End: 100}},
	})

	assembler := newTestAssembler(t)

	o := New(llm, analysisEng, ctxMgr, toolExec, reg, assembler, experiments, s, nil, DefaultConfig())
	return o, s
}

func TestProcess_HappyPath_PersistsChatTurnPair(t *testing.T) {
	llm := &fakeLLM{
		jsonResponses: []map[string]any{understanding("log an expense", false, false)},
		textResponses: []string{"Got it, logged your expense."},
	}
	o, s := newTestOrchestrator(t, llm)

	reply := o.Process(context.Background(), "spent $20 on groceries", "u1", MessageContext{Channel: "sms", ThreadID: "t1"})

	assert.Equal(t, "Got it, logged your expense.", reply)

	memories, err := s.SearchMemories(context.Background(), store.SearchSpec{
		UserIDs: []string{"u1"}, Filter: store.Filter{ThreadID: "t1", Limit: 10},
	})
	require.NoError(t, err)
	var types []string
	for _, m := range memories {
		types = append(types, m.Type)
	}
	assert.Contains(t, types, "chat_turn_user")
	assert.Contains(t, types, "chat_turn_assistant")
}

func TestProcess_ClarificationBranch_PersistsOnlyClarificationTurn(t *testing.T) {
	llm := &fakeLLM{
		jsonResponses: []map[string]any{understanding("ambiguous", true, false)},
		textResponses: []string{"Did you mean the grocery budget or the vacation fund?"},
	}
	o, s := newTestOrchestrator(t, llm)

	reply := o.Process(context.Background(), "move $50", "u2", MessageContext{Channel: "sms", ThreadID: "t2"})

	assert.Equal(t, "Did you mean the grocery budget or the vacation fund?", reply)

	memories, err := s.SearchMemories(context.Background(), store.SearchSpec{
		UserIDs: []string{"u2"}, Filter: store.Filter{ThreadID: "t2", Limit: 10},
	})
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "clarification_turn", memories[0].Type)
}

func TestProcess_EmptyContentStillProducesAFriendlyReply(t *testing.T) {
	llm := &fakeLLM{
		jsonResponses: []map[string]any{understanding("", true, false)},
		textResponses: []string{"What can I help you with?"},
	}
	o, _ := newTestOrchestrator(t, llm)

	reply := o.Process(context.Background(), "", "u3", MessageContext{Channel: "sms"})

	assert.Equal(t, "What can I help you with?", reply)
}

func TestProcess_UncaughtErrorReturnsFriendlyMessageNeverPanics(t *testing.T) {
	llm := &fakeLLM{
		jsonResponses: []map[string]any{{"understanding": "not an object"}}, // forces an analysis.Analyze error
	}
	o, _ := newTestOrchestrator(t, llm)

	var reply string
	assert.NotPanics(t, func() {
		reply = o.Process(context.Background(), "hello", "u4", MessageContext{Channel: "sms"})
	})
	assert.Equal(t, errs.FriendlyMessage(errs.KindAnalysis), reply)
}

func TestProcess_SummarizesAfterThreshold(t *testing.T) {
	llm := &fakeLLM{
		jsonResponses: []map[string]any{understanding("chit chat", false, false)},
		textResponses: []string{"reply"},
	}
	o, s := newTestOrchestrator(t, llm)
	o.cfg.SummaryEveryNTurns = 2

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateMemory(context.Background(), &model.Memory{
			UserID: "u5", ThreadID: "t5", Type: "chat_turn_user", Content: "hi",
		}))
	}
	llm.textResponses = []string{"reply", "Here's a recap of the thread so far."}

	_ = o.Process(context.Background(), "one more thing", "u5", MessageContext{Channel: "sms", ThreadID: "t5"})

	memories, err := s.SearchMemories(context.Background(), store.SearchSpec{
		UserIDs: []string{"u5"}, Filter: store.Filter{ThreadID: "t5", Limit: 50},
	})
	require.NoError(t, err)
	var sawSummary bool
	for _, m := range memories {
		if m.Type == "thread_summary" {
			sawSummary = true
		}
	}
	assert.True(t, sawSummary)
}

func analysisWithSteps(n int) analysis.Analysis {
	a := analysis.Analysis{Understanding: analysis.Understanding{NeedAction: true}}
	for i := 0; i < n; i++ {
		a.ToolPlan.Steps = append(a.ToolPlan.Steps, analysis.ToolStep{Tool: "search", Args: map[string]any{}})
	}
	return a
}

func analysisFromSteps(steps []map[string]any) analysis.Analysis {
	a := analysis.Analysis{Understanding: analysis.Understanding{NeedAction: true}}
	for _, s := range steps {
		args, _ := s["args"].(map[string]any)
		tool, _ := s["tool"].(string)
		a.ToolPlan.Steps = append(a.ToolPlan.Steps, analysis.ToolStep{Tool: tool, Args: args})
	}
	return a
}

func TestBuildPlan_EnforcesStepCap(t *testing.T) {
	a := analysisWithSteps(4)
	plan := buildPlan(a, 2)
	assert.Len(t, plan.Steps, 2)
}

func TestBuildPlan_ZeroCapMeansUnbounded(t *testing.T) {
	a := analysisWithSteps(4)
	plan := buildPlan(a, 0)
	assert.Len(t, plan.Steps, 4)
}

func TestBuildPlan_ExtractsFamilyScopeAndDropsConventionKeys(t *testing.T) {
	a := analysisFromSteps([]map[string]any{
		{"tool": "search", "args": map[string]any{"scope": "family", "filters": map[string]any{}}},
	})
	plan := buildPlan(a, 0)
	require.Len(t, plan.Steps, 1)
	require.NotNil(t, plan.Steps[0].Scope)
	assert.Equal(t, scope.Family, plan.Steps[0].Scope.Kind)
	_, hasScope := plan.Steps[0].Args["scope"]
	assert.False(t, hasScope)
}

func TestBuildPlan_ExtractsPersonalScopeWithPersonKey(t *testing.T) {
	a := analysisFromSteps([]map[string]any{
		{"tool": "search", "args": map[string]any{"scope": "personal", "person_key": "alex"}},
	})
	plan := buildPlan(a, 0)
	require.Len(t, plan.Steps, 1)
	require.NotNil(t, plan.Steps[0].Scope)
	assert.Equal(t, scope.Personal, plan.Steps[0].Scope.Kind)
	assert.Equal(t, "alex", plan.Steps[0].Scope.PersonOrKey)
}

func TestTruncateForChannel_LeavesShortRepliesAlone(t *testing.T) {
	assert.Equal(t, "short reply", truncateForChannel("short reply", "sms"))
}

func TestTruncateForChannel_TruncatesOverCapWithEllipsis(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	out := truncateForChannel(string(long), "sms")
	assert.Len(t, out, 480)
	assert.True(t, len(out) > 0 && out[len(out)-1] != 'a')
}

func TestTruncateForChannel_UnknownChannelNeverTruncates(t *testing.T) {
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}
	assert.Equal(t, string(long), truncateForChannel(string(long), "webhook"))
}

func TestExecResultHadFatalError_TimeoutAloneIsNotFatal(t *testing.T) {
	result := toolexec.Result{Results: []toolexec.StepResult{{Tool: "search", Error: "deadline", Kind: errs.KindToolTimeout}}}
	assert.False(t, execResultHadFatalError(result))
}

func TestExecResultHadFatalError_ExecutionErrorIsFatal(t *testing.T) {
	result := toolexec.Result{Results: []toolexec.StepResult{{Tool: "store", Error: "boom", Kind: errs.KindToolExecution}}}
	assert.True(t, execResultHadFatalError(result))
}
