package toolservice

import (
	"context"
	"fmt"
	"time"
)

// batchArgs is shared by batch_store/batch_search/batch_aggregate: an array
// of the same argument shape the single-call tool accepts, executed
// sequentially with a shared time budget.
type batchArgs struct {
	Items []map[string]any `json:"items" jsonschema:"required"`
}

// newBatchTool wraps an already-registered tool into its batch_* form,
// running each item sequentially within one DB transaction (spec.md §5's
// "batch_* tools run their sub-operations in one transaction so that
// partial observer states are never visible"), capturing per-item errors
// rather than aborting the batch, matching the tool executor's step
// failure policy (spec.md §4.3).
func newBatchTool(name, wraps string, inner Tool, budget time.Duration, withTx func(ctx context.Context, fn func(context.Context) error) error) Tool {
	spec := Spec{
		Name:          name,
		Description:   fmt.Sprintf("Execute a sequence of %s calls with a shared time budget.", wraps),
		InputSchema:   generateSchema[batchArgs](),
		XCapabilities: inner.Spec().XCapabilities,
		XTimeBudget:   budget,
		XLatencyHint:  "slow",
	}
	return newTool(spec, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var a batchArgs
		if err := decodeInto(args, &a); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		results := make([]map[string]any, 0, len(a.Items))
		err := withTx(ctx, func(txCtx context.Context) error {
			for _, item := range a.Items {
				out, err := inner.Execute(txCtx, item)
				if err != nil {
					results = append(results, map[string]any{"error": err.Error()})
					continue
				}
				results = append(results, out)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("toolservice: batch transaction: %w", err)
		}
		return map[string]any{"results": results}, nil
	})
}
