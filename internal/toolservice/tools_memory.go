package toolservice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/store"
)

// storeArgs is the `store` tool's argument shape (spec.md §4.4).
type storeArgs struct {
	UserID    string         `json:"user_id" jsonschema:"required,description=Principal id the memory belongs to"`
	Content   string         `json:"content" jsonschema:"required,description=Free-text content of the observation"`
	AIData    map[string]any `json:"ai_data" jsonschema:"description=Structured understanding merged into ai_understanding"`
	Embedding []float32      `json:"embedding,omitempty" jsonschema:"description=Precomputed content embedding"`
}

func newStoreTool(s store.MemoryStore) Tool {
	spec := Spec{
		Name:          "store",
		Description:   "Insert a memory, extracting amount/occurred_at from ai_data when present.",
		InputSchema:   generateSchema[storeArgs](),
		XCapabilities: []string{"write"},
		XTimeBudget:   2 * time.Second,
		XLatencyHint:  "fast",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a storeArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		if a.UserID == "" || a.Content == "" {
			return nil, fmt.Errorf("toolservice: store requires user_id and content")
		}
		m := &model.Memory{
			ID:              uuid.NewString(),
			UserID:          a.UserID,
			Content:         a.Content,
			AIUnderstanding: coalesceAIData(a.AIData),
			Embedding:       a.Embedding,
		}
		extractPhysicalizedFields(m)
		if err := s.CreateMemory(ctx, m); err != nil {
			return nil, fmt.Errorf("toolservice: store: %w", err)
		}
		return map[string]any{"id": m.ID}, nil
	})
}

// searchArgs is the `search` tool's argument shape.
type searchArgs struct {
	UserID         any            `json:"user_id" jsonschema:"required,description=Principal id or list of ids"`
	Query          string         `json:"query,omitempty" jsonschema:"description=Free-text query for trigram ranking"`
	QueryEmbedding []float32      `json:"query_embedding,omitempty" jsonschema:"description=Precomputed query embedding for vector ranking"`
	Filters        filterArgs     `json:"filters,omitempty"`
}

type filterArgs struct {
	Type         string         `json:"type,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	Category     string         `json:"category,omitempty"`
	Person       string         `json:"person,omitempty"`
	DateFrom     *time.Time     `json:"date_from,omitempty"`
	DateTo       *time.Time     `json:"date_to,omitempty"`
	AmountMin    *float64       `json:"amount_min,omitempty"`
	AmountMax    *float64       `json:"amount_max,omitempty"`
	JSONBEquals  map[string]any `json:"jsonb_equals,omitempty"`
	Deleted      *bool          `json:"deleted,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	SharedThread bool           `json:"shared_thread,omitempty"`
}

func (f filterArgs) toStoreFilter() store.Filter {
	return store.Filter{
		Type: f.Type, ThreadID: f.ThreadID, Category: f.Category, Person: f.Person,
		DateFrom: f.DateFrom, DateTo: f.DateTo, AmountMin: f.AmountMin, AmountMax: f.AmountMax,
		JSONBEquals: f.JSONBEquals, Deleted: f.Deleted, Limit: f.Limit, SharedThread: f.SharedThread,
	}
}

func newSearchTool(s store.MemoryStore) Tool {
	spec := Spec{
		Name: "search",
		Description: "Return memories ranked by vector cosine (query_embedding), " +
			"trigram similarity (query), or occurred_at desc as a fallback.",
		InputSchema:   generateSchema[searchArgs](),
		XCapabilities: []string{"read"},
		XTimeBudget:   3 * time.Second,
		XLatencyHint:  "medium",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a searchArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		userIDs := argUserIDs(args, "user_id")
		if len(userIDs) == 0 {
			return nil, fmt.Errorf("toolservice: search requires user_id")
		}
		results, err := s.SearchMemories(ctx, store.SearchSpec{
			UserIDs:        userIDs,
			Query:          a.Query,
			QueryEmbedding: a.QueryEmbedding,
			Filter:         a.Filters.toStoreFilter(),
		})
		if err != nil {
			return nil, fmt.Errorf("toolservice: search: %w", err)
		}
		return map[string]any{"results": results}, nil
	})
}

// aggregateArgs is the `aggregate` tool's argument shape.
type aggregateArgs struct {
	UserID         any         `json:"user_id" jsonschema:"required"`
	Operation      string      `json:"operation" jsonschema:"required,enum=sum,enum=avg,enum=min,enum=max,enum=count"`
	Field          string      `json:"field,omitempty"`
	Filters        filterArgs  `json:"filters,omitempty"`
	GroupBy        string      `json:"group_by,omitempty" jsonschema:"enum=day,enum=week,enum=month"`
	GroupByAIField string      `json:"group_by_ai_field,omitempty"`
}

func newAggregateTool(s store.MemoryStore) Tool {
	spec := Spec{
		Name:          "aggregate",
		Description:   "Return a scalar or grouped numeric aggregate over memories.",
		InputSchema:   generateSchema[aggregateArgs](),
		XCapabilities: []string{"read"},
		XTimeBudget:   3 * time.Second,
		XLatencyHint:  "medium",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a aggregateArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		userIDs := argUserIDs(args, "user_id")
		if len(userIDs) == 0 {
			return nil, fmt.Errorf("toolservice: aggregate requires user_id")
		}
		result, err := s.Aggregate(ctx, store.AggregateSpec{
			UserIDs:        userIDs,
			Operation:      store.AggregateOp(a.Operation),
			Field:          a.Field,
			Filter:         a.Filters.toStoreFilter(),
			GroupBy:        store.GroupBy(a.GroupBy),
			GroupByAIField: a.GroupByAIField,
		})
		if err != nil {
			return nil, fmt.Errorf("toolservice: aggregate: %w", err)
		}
		out := map[string]any{}
		if result.Scalar != nil {
			out["scalar"] = *result.Scalar
		}
		if len(result.Groups) > 0 {
			out["groups"] = result.Groups
		}
		return out, nil
	})
}

// updateMemoryFieldsArgs is the `update_memory_fields` tool's argument shape.
type updateMemoryFieldsArgs struct {
	ID     string         `json:"id" jsonschema:"required"`
	Fields map[string]any `json:"fields" jsonschema:"required"`
}

func newUpdateMemoryFieldsTool(s store.MemoryStore) Tool {
	spec := Spec{
		Name:          "update_memory_fields",
		Description:   "Shallow-merge fields into ai_understanding and refresh physicalized columns.",
		InputSchema:   generateSchema[updateMemoryFieldsArgs](),
		XCapabilities: []string{"write"},
		XTimeBudget:   2 * time.Second,
		XLatencyHint:  "fast",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a updateMemoryFieldsArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		if a.ID == "" {
			return nil, fmt.Errorf("toolservice: update_memory_fields requires id")
		}
		m, err := s.UpdateMemoryFields(ctx, a.ID, a.Fields)
		if err != nil {
			return nil, fmt.Errorf("toolservice: update_memory_fields: %w", err)
		}
		return map[string]any{"memory": m}, nil
	})
}

// soft_delete's argument shape.
type softDeleteArgs struct {
	ID string `json:"id" jsonschema:"required"`
}

func newSoftDeleteTool(s store.MemoryStore) Tool {
	spec := Spec{
		Name:          "soft_delete",
		Description:   "Set ai_understanding.deleted=true on a memory.",
		InputSchema:   generateSchema[softDeleteArgs](),
		XCapabilities: []string{"write"},
		XTimeBudget:   2 * time.Second,
		XLatencyHint:  "fast",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a softDeleteArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		if a.ID == "" {
			return nil, fmt.Errorf("toolservice: soft_delete requires id")
		}
		if err := s.SoftDeleteMemory(ctx, a.ID); err != nil {
			return nil, fmt.Errorf("toolservice: soft_delete: %w", err)
		}
		return map[string]any{"id": a.ID, "deleted": true}, nil
	})
}

func coalesceAIData(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// extractPhysicalizedFields mirrors the store contract's extraction rule
// (spec.md §4.4): amount/occurred_at/type/thread_id/category/person/
// external_id are lifted from ai_data's top level or ai_data.entities,
// coercing strings to number/timestamp where needed; failures leave the
// physicalized column null rather than failing the store call.
func extractPhysicalizedFields(m *model.Memory) {
	ai := m.AIUnderstanding
	entities, _ := ai["entities"].(map[string]any)

	str := func(key string) string {
		if v, ok := ai[key].(string); ok {
			return v
		}
		if entities != nil {
			if v, ok := entities[key].(string); ok {
				return v
			}
		}
		return ""
	}

	m.Type = str("type")
	m.ThreadID = str("thread_id")
	m.Category = str("category")
	m.Person = str("person")
	m.ExternalID = str("external_id")

	if amt, ok := extractFloat(ai, entities, "amount"); ok {
		m.Amount = &amt
	}
	if occurred, ok := extractTime(ai, entities, "occurred_at"); ok {
		m.OccurredAt = &occurred
	}
}

func extractFloat(ai, entities map[string]any, key string) (float64, bool) {
	if v, ok := numberFrom(ai[key]); ok {
		return v, true
	}
	if entities != nil {
		if v, ok := numberFrom(entities[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func numberFrom(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func extractTime(ai, entities map[string]any, key string) (time.Time, bool) {
	if t, ok := timeFrom(ai[key]); ok {
		return t, true
	}
	if entities != nil {
		if t, ok := timeFrom(entities[key]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func timeFrom(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
