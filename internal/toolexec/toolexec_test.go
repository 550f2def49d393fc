package toolexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyledger/core/internal/embedding"
	"github.com/familyledger/core/internal/errs"
	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/scope"
	"github.com/familyledger/core/internal/store"
	"github.com/familyledger/core/internal/toolservice"
)

func newTestExecutor(t *testing.T) (*Executor, *toolservice.Registry) {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	reg := toolservice.BuildRegistry(s, true, t.TempDir(), "/media")
	exec, err := NewExecutor(reg, nil, DefaultConfig())
	require.NoError(t, err)
	return exec, reg
}

// S6 / invariant 6: a plan storing then searching round-trips through the
// executor, with LastStoreID populated for $LAST_STORE_ID references.
func TestRun_StoreThenSearch_PopulatesLastStoreID(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	plan := Plan{Steps: []Step{
		{Tool: "store", Args: map[string]any{
			"user_id": "u1",
			"content": "bought milk",
			"ai_data": map[string]any{"type": "financial", "category": "groceries"},
		}},
		{Tool: "search", Args: map[string]any{
			"user_id": "u1",
			"filters": map[string]any{"category": "groceries"},
		}},
	}}

	result, err := exec.Run(ctx, plan, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.NotEmpty(t, result.LastStoreID)
	assert.Empty(t, result.Results[0].Error)
	assert.Empty(t, result.Results[1].Error)
}

// $LAST_STORE_ID in a later step resolves to the prior store's id.
func TestRun_ResolvesLastStoreIDReference(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	plan := Plan{Steps: []Step{
		{Tool: "store", Args: map[string]any{
			"user_id": "u1",
			"content": "note one",
			"ai_data": map[string]any{"type": "note"},
		}},
		{Tool: "update_memory_fields", Args: map[string]any{
			"id":     "$LAST_STORE_ID",
			"fields": map[string]any{"category": "updated"},
		}},
	}}

	result, err := exec.Run(ctx, plan, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Empty(t, result.Results[1].Error)
}

// invariant 6: a step referencing $LAST_STORE_ID before any successful
// store is captured as a ToolPlanningError, not aborted.
func TestRun_UnresolvedLastStoreIDIsCapturedAsStepError(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	plan := Plan{Steps: []Step{
		{Tool: "update_memory_fields", Args: map[string]any{
			"id":     "$LAST_STORE_ID",
			"fields": map[string]any{"category": "updated"},
		}},
	}}

	result, err := exec.Run(ctx, plan, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.NotEmpty(t, result.Results[0].Error)
}

// Scope injection: scope=family fills user_id from the household's
// configured principal set when the AI didn't set it explicitly.
func TestRun_FamilyScopeInjectsConfiguredPrincipalSet(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	plan := Plan{Steps: []Step{
		{Tool: "search", Args: map[string]any{}, Scope: &ScopeRef{Kind: scope.Family}},
	}}
	rc := RunContext{
		CurrentPrincipal: "u1",
		Household:        &model.HouseholdView{FamilyPrincipals: []string{"family_default", "u1", "u2"}},
	}

	result, err := exec.Run(ctx, plan, rc)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Empty(t, result.Results[0].Error)
}

// Scope injection: scope=personal failing to resolve surfaces a
// ToolPlanningError and does not abort the rest of the plan.
func TestRun_PersonalScopeResolutionFailureIsCapturedNotFatal(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	plan := Plan{Steps: []Step{
		{Tool: "search", Args: map[string]any{}, Scope: &ScopeRef{Kind: scope.Personal, PersonOrKey: "nobody"}},
		{Tool: "store", Args: map[string]any{
			"user_id": "u1", "content": "still runs", "ai_data": map[string]any{"type": "note"},
		}},
	}}
	rc := RunContext{
		CurrentPrincipal: "u1",
		Household:        &model.HouseholdView{MembersIndex: map[string]model.MemberEntry{}},
	}

	result, err := exec.Run(ctx, plan, rc)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.NotEmpty(t, result.Results[0].Error)
	assert.Empty(t, result.Results[1].Error)
}

// Soft upsert: a second store with the same external_id rewrites into
// update_memory_fields against the first memory instead of duplicating.
func TestRun_SoftUpsert_RewritesSecondStoreIntoUpdate(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	first := Plan{Steps: []Step{
		{Tool: "store", Args: map[string]any{
			"user_id": "u1", "content": "order #123 placed",
			"ai_data": map[string]any{"type": "order", "external_id": "order-123"},
		}},
	}}
	r1, err := exec.Run(ctx, first, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	firstID := r1.LastStoreID
	require.NotEmpty(t, firstID)

	second := Plan{Steps: []Step{
		{Tool: "store", Args: map[string]any{
			"user_id": "u1", "content": "order #123 shipped",
			"ai_data": map[string]any{"type": "order", "external_id": "order-123", "status": "shipped"},
		}},
	}}
	r2, err := exec.Run(ctx, second, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, r2.Results, 1)
	assert.Equal(t, "update_memory_fields", r2.Results[0].Tool)
	assert.Empty(t, r2.Results[0].Error)
	// The rewrite targets the first memory's id, not a new one.
	assert.Empty(t, r2.LastStoreID)
}

// A schema violation on a prepared step surfaces as a ToolPlanningError
// captured in the results, not a hard Run failure.
func TestRun_SchemaViolationIsCapturedAsStepError(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ctx := context.Background()

	plan := Plan{Steps: []Step{
		{Tool: "store", Args: map[string]any{"content": "missing user_id"}},
	}}
	result, err := exec.Run(ctx, plan, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.NotEmpty(t, result.Results[0].Error)
}

// Embedding attachment: when an embedding provider is configured, store
// gets a vector attached even though the caller never set one.
func TestRun_AttachesEmbeddingOnStoreWhenProviderConfigured(t *testing.T) {
	s, err := store.NewSQLiteStore(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	reg := toolservice.BuildRegistry(s, true, t.TempDir(), "/media")

	provider := &stubEmbeddingProvider{vec: []float32{0.1, 0.2, 0.3}}
	cached := embedding.NewCachedProvider(provider, embedding.NewLRUCacheStore(10), 0)
	exec, err := NewExecutor(reg, cached, DefaultConfig())
	require.NoError(t, err)

	plan := Plan{Steps: []Step{
		{Tool: "store", Args: map[string]any{
			"user_id": "u1", "content": "needs an embedding", "ai_data": map[string]any{"type": "note"},
		}},
	}}
	result, err := exec.Run(context.Background(), plan, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Empty(t, result.Results[0].Error)
	assert.Equal(t, 1, provider.calls)
}

type stubEmbeddingProvider struct {
	vec   []float32
	calls int
}

func (p *stubEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	return p.vec, nil
}
func (p *stubEmbeddingProvider) Dimension() int { return len(p.vec) }
func (p *stubEmbeddingProvider) Model() string  { return "stub" }

// A mandatory step's ToolTimeoutError stops the plan before later steps
// run, per spec.md §4.3.
func TestRun_MandatoryStepTimeoutAbortsPlan(t *testing.T) {
	d := &slowDispatcher{}
	exec, err := NewExecutor(d, nil, DefaultConfig())
	require.NoError(t, err)

	plan := Plan{Steps: []Step{
		{Tool: "slow", Args: map[string]any{}, Mandatory: true},
		{Tool: "slow", Args: map[string]any{}},
	}}
	result, err := exec.Run(context.Background(), plan, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, errs.KindToolTimeout, result.Results[0].Kind)
}

// A non-mandatory step's ToolTimeoutError is captured but does not stop
// the plan.
func TestRun_NonMandatoryStepTimeoutContinuesPlan(t *testing.T) {
	d := &slowDispatcher{}
	exec, err := NewExecutor(d, nil, DefaultConfig())
	require.NoError(t, err)

	plan := Plan{Steps: []Step{
		{Tool: "slow", Args: map[string]any{}},
		{Tool: "slow", Args: map[string]any{}},
	}}
	result, err := exec.Run(context.Background(), plan, RunContext{CurrentPrincipal: "u1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, errs.KindToolTimeout, result.Results[0].Kind)
	assert.Equal(t, errs.KindToolTimeout, result.Results[1].Kind)
}

// slowDispatcher always blocks until its caller's context is done,
// exercising the executor's per-step time budget without depending on
// a real tool's handler.
type slowDispatcher struct{}

func (d *slowDispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *slowDispatcher) Specs() []toolservice.Spec {
	return []toolservice.Spec{{Name: "slow", XTimeBudget: time.Millisecond}}
}

func (d *slowDispatcher) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
