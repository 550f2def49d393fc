package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyledger/core/internal/model"
)

// newTestStore builds a fresh in-memory sqlite Store for each test,
// exercising the interface through the dev/test dialect since Postgres
// is not available in this environment.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &model.Memory{
		UserID:  "u1",
		Content: "bought groceries",
		AIUnderstanding: map[string]any{
			"type":     "financial",
			"category": "groceries",
		},
		Embedding: []float32{0.1, 0.2, 0.3},
	}
	require.NoError(t, s.CreateMemory(ctx, m))
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "financial", m.Type)
	assert.Equal(t, "groceries", m.Category)

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, "financial", got.Type)
	assert.Len(t, got.Embedding, 3)
}

func TestMemoryStore_GetMemory_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMemory(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SoftDelete_ExcludedFromSearchByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &model.Memory{UserID: "u1", Content: "old note", AIUnderstanding: map[string]any{"type": "note"}}
	require.NoError(t, s.CreateMemory(ctx, m))
	require.NoError(t, s.SoftDeleteMemory(ctx, m.ID))

	results, err := s.SearchMemories(ctx, SearchSpec{UserIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Empty(t, results)

	deleted := true
	results, err = s.SearchMemories(ctx, SearchSpec{UserIDs: []string{"u1"}, Filter: Filter{Deleted: &deleted}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Deleted())
}

func TestMemoryStore_UpdateMemoryFields_ShallowMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &model.Memory{
		UserID:  "u1",
		Content: "dentist appointment",
		AIUnderstanding: map[string]any{
			"type":   "reminder",
			"person": "alice",
		},
	}
	require.NoError(t, s.CreateMemory(ctx, m))

	updated, err := s.UpdateMemoryFields(ctx, m.ID, map[string]any{"person": "bob", "note": "rescheduled"})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.Person)
	assert.Equal(t, "reminder", updated.Type, "unspecified fields must survive the merge")
	assert.Equal(t, "rescheduled", updated.AIUnderstanding["note"])
}

func TestMemoryStore_FindByExternalID_SupportsSoftUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &model.Memory{
		UserID:  "u1",
		Content: "electric bill",
		AIUnderstanding: map[string]any{
			"type":        "financial",
			"external_id": "bill-2026-07",
		},
	}
	require.NoError(t, s.CreateMemory(ctx, m))

	found, err := s.FindByExternalID(ctx, "u1", "bill-2026-07", "financial")
	require.NoError(t, err)
	assert.Equal(t, m.ID, found.ID)

	_, err = s.FindByExternalID(ctx, "u1", "does-not-exist", "financial")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Aggregate_SumAndGroupByMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	amounts := []float64{10, 20, 30}
	occurred := []time.Time{
		time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	for i, amt := range amounts {
		a := amt
		occ := occurred[i]
		require.NoError(t, s.CreateMemory(ctx, &model.Memory{
			UserID:          "u1",
			Content:         "expense",
			AIUnderstanding: map[string]any{"type": "financial"},
			Amount:          &a,
			OccurredAt:      &occ,
		}))
	}

	result, err := s.Aggregate(ctx, AggregateSpec{
		UserIDs:   []string{"u1"},
		Operation: AggSum,
		Filter:    Filter{Type: "financial"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Scalar)
	assert.Equal(t, 60.0, *result.Scalar)

	grouped, err := s.Aggregate(ctx, AggregateSpec{
		UserIDs:   []string{"u1"},
		Operation: AggSum,
		Filter:    Filter{Type: "financial"},
		GroupBy:   GroupByMonth,
	})
	require.NoError(t, err)
	require.Len(t, grouped.Groups, 2)
	assert.Equal(t, "2026-01", grouped.Groups[0].Bucket)
	assert.Equal(t, 30.0, *grouped.Groups[0].Value)
	assert.Equal(t, "2026-02", grouped.Groups[1].Bucket)
	assert.Equal(t, 30.0, *grouped.Groups[1].Value)
}

func TestMemoryStore_SearchMemories_SemanticRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near := []float32{1, 0, 0}
	far := []float32{0, 1, 0}
	require.NoError(t, s.CreateMemory(ctx, &model.Memory{UserID: "u1", Content: "far", AIUnderstanding: map[string]any{"type": "note"}, Embedding: far}))
	require.NoError(t, s.CreateMemory(ctx, &model.Memory{UserID: "u1", Content: "near", AIUnderstanding: map[string]any{"type": "note"}, Embedding: near}))

	results, err := s.SearchMemories(ctx, SearchSpec{UserIDs: []string{"u1"}, QueryEmbedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Content)
}

func TestFilter_EffectiveLimit(t *testing.T) {
	t.Run("defaults to 20", func(t *testing.T) {
		assert.Equal(t, 20, Filter{}.EffectiveLimit())
	})
	t.Run("hard cap at 200", func(t *testing.T) {
		assert.Equal(t, 200, Filter{Limit: 10000}.EffectiveLimit())
	})
	t.Run("shared thread caps at 30", func(t *testing.T) {
		assert.Equal(t, 30, Filter{Limit: 100, SharedThread: true}.EffectiveLimit())
	})
}

func TestReminderStore_MarkSent_IsIdempotentDedupFence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.Reminder{UserID: "u1", RemindAt: time.Now().Add(-time.Minute), Payload: "take out trash"}
	require.NoError(t, s.CreateReminder(ctx, r))

	pending, err := s.GetPendingReminders(ctx, "u1", time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	now := time.Now().UTC()
	require.NoError(t, s.MarkReminderSent(ctx, r.ID, now))
	require.NoError(t, s.MarkReminderSent(ctx, r.ID, now.Add(time.Hour)), "marking twice must not error")

	pending, err = s.GetPendingReminders(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, pending, "a sent reminder must never be re-delivered")
}

func TestPrincipalStore_EnsurePrincipal_StableAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsurePrincipal(ctx, "family_default")
	require.NoError(t, err)
	id2, err := s.EnsurePrincipal(ctx, "family_default")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "the same principal key must always resolve to the same id")

	other, err := s.EnsurePrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
}

func TestPrincipalStore_ChannelBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	userID, err := s.EnsurePrincipal(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, s.BindChannel(ctx, userID, "telegram", "12345", true))

	resolved, err := s.ResolveChannelBinding(ctx, "telegram", "12345")
	require.NoError(t, err)
	assert.Equal(t, userID, resolved)

	_, err = s.ResolveChannelBinding(ctx, "telegram", "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}
