package toolservice

import (
	"context"
	"time"

	"github.com/familyledger/core/internal/store"
)

// BuildRegistry registers every tool spec.md §4.4 names: the eight
// primitives, their batch_* variants, render_chart, and get_tool_specs.
func BuildRegistry(s store.Store, strictMode bool, mediaRoot, mediaURLPrefix string) *Registry {
	r := NewRegistry(strictMode, s)

	storeTool := newStoreTool(s)
	searchTool := newSearchTool(s)
	aggregateTool := newAggregateTool(s)

	must(r.Register("store", storeTool))
	must(r.Register("search", searchTool))
	must(r.Register("aggregate", aggregateTool))
	must(r.Register("update_memory_fields", newUpdateMemoryFieldsTool(s)))
	must(r.Register("soft_delete", newSoftDeleteTool(s)))
	must(r.Register("schedule_reminder", newScheduleReminderTool(s)))
	must(r.Register("get_pending_reminders", newGetPendingRemindersTool(s)))
	must(r.Register("mark_reminder_sent", newMarkReminderSentTool(s)))

	must(r.Register("batch_store", newBatchTool("batch_store", "store", storeTool, 5*time.Second, r.WithTx)))
	must(r.Register("batch_search", newBatchTool("batch_search", "search", searchTool, 5*time.Second, r.WithTx)))
	must(r.Register("batch_aggregate", newBatchTool("batch_aggregate", "aggregate", aggregateTool, 5*time.Second, r.WithTx)))

	must(r.Register("render_chart", newRenderChartTool(mediaRoot, mediaURLPrefix)))
	must(r.Register("get_tool_specs", newGetToolSpecsTool(r)))

	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// newGetToolSpecsTool is the metadata tool: it closes over the same
// registry it's registered into, so it always reflects every other tool
// that's been added by the time it's called.
func newGetToolSpecsTool(r *Registry) Tool {
	spec := Spec{
		Name:          "get_tool_specs",
		Description:   "Return every registered tool's name, JSON schema, capabilities, and time budget.",
		InputSchema:   map[string]any{"type": "object", "properties": map[string]any{}},
		XCapabilities: []string{"read"},
		XTimeBudget:   time.Second,
		XLatencyHint:  "fast",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		specs := make([]Spec, 0, r.Count())
		for _, t := range r.List() {
			if t.Spec().Name == "get_tool_specs" {
				continue
			}
			specs = append(specs, t.Spec())
		}
		return map[string]any{"tools": specs}, nil
	})
}
