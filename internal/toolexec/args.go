package toolexec

import (
	"context"
	"fmt"

	"github.com/familyledger/core/internal/errs"
	"github.com/familyledger/core/internal/scope"
)

// prepareArgs runs the four argument-preparation passes spec.md §4.3
// describes, in order: cross-step references, scope injection, soft
// upsert rewrite, embedding attachment. It returns the prepared args; when
// soft upsert rewrites store -> update_memory_fields, the tool actually
// dispatched travels in those args under the __dispatch_tool__ key.
func (e *Executor) prepareArgs(ctx context.Context, step Step, rc RunContext, acc *Result) (map[string]any, error) {
	args := cloneArgs(step.Args)

	if err := resolveCrossStepRefs(args, acc, rc); err != nil {
		return nil, errs.ToolPlanning(rc.TraceID, rc.CurrentPrincipal, step.Tool, err)
	}

	if step.Scope != nil {
		if err := e.injectScope(step.Tool, args, *step.Scope, rc); err != nil {
			return nil, errs.ToolPlanning(rc.TraceID, rc.CurrentPrincipal, step.Tool, err)
		}
	}

	if step.Tool == "store" {
		rewrittenTool, rewritten, err := e.softUpsertRewrite(ctx, args)
		if err != nil {
			return nil, errs.ToolPlanning(rc.TraceID, rc.CurrentPrincipal, "store", err)
		}
		if rewrittenTool != "" {
			// The caller dispatches whatever tool runStep was given; since
			// soft upsert changes the tool itself, stash the target under
			// a sentinel key runStep understands and let Dispatch use it.
			args = rewritten
			args["__dispatch_tool__"] = rewrittenTool
		}
	}

	if err := e.attachEmbedding(ctx, step.Tool, args, rc); err != nil {
		// Embedding failure is a degraded path, not a hard failure
		// (spec.md §4.3.4): the call proceeds without the vector.
		_ = err
	}

	return args, nil
}

// resolveCrossStepRefs replaces $LAST_STORE_ID, {"use_context": name}, and
// {"arg_from_step": i, "path": "a.b"} wherever they occur in args, at any
// nesting depth.
func resolveCrossStepRefs(args map[string]any, acc *Result, rc RunContext) error {
	resolved, err := resolveValue(args, acc, rc)
	if err != nil {
		return err
	}
	m, ok := resolved.(map[string]any)
	if !ok {
		return fmt.Errorf("toolexec: resolved args is not an object")
	}
	for k := range args {
		delete(args, k)
	}
	for k, v := range m {
		args[k] = v
	}
	return nil
}

func resolveValue(v any, acc *Result, rc RunContext) (any, error) {
	switch val := v.(type) {
	case string:
		if val == "$LAST_STORE_ID" {
			if acc.LastStoreID == "" {
				return nil, fmt.Errorf("toolexec: $LAST_STORE_ID referenced before any successful store")
			}
			return acc.LastStoreID, nil
		}
		return val, nil

	case map[string]any:
		if name, ok := val["use_context"].(string); ok && len(val) == 1 {
			payload, ok := rc.ContextPayload[name]
			if !ok {
				return nil, fmt.Errorf("toolexec: unresolved use_context reference %q", name)
			}
			return payload, nil
		}
		if idxF, ok := val["arg_from_step"].(float64); ok {
			path, _ := val["path"].(string)
			idx := int(idxF)
			if idx < 0 || idx >= len(acc.Results) {
				return nil, fmt.Errorf("toolexec: arg_from_step index %d out of range", idx)
			}
			extracted, ok := extractPath(acc.Results[idx].Output, path)
			if !ok {
				return nil, fmt.Errorf("toolexec: arg_from_step path %q not found in step %d's result", path, idx)
			}
			return extracted, nil
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			resolved, err := resolveValue(child, acc, rc)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			resolved, err := resolveValue(child, acc, rc)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return val, nil
	}
}

// extractPath walks a dotted path ("a.b.c") through nested maps.
func extractPath(m map[string]any, path string) (any, bool) {
	if path == "" {
		return m, true
	}
	cur := any(m)
	for _, part := range splitPath(path) {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}

// injectScope applies spec.md §4.3.2: only when the argument shape
// supports it and the AI did not already set user_id explicitly.
func (e *Executor) injectScope(tool string, args map[string]any, ref ScopeRef, rc RunContext) error {
	if _, explicit := args["user_id"]; explicit {
		return nil
	}
	if !toolAcceptsUserID(tool) {
		return nil
	}

	res, err := scope.Resolve(ref.Kind, ref.PersonOrKey, rc.CurrentPrincipal, rc.CurrentThreadID, rc.Household, rc.FamilySharedUserIDs)
	if err != nil {
		return fmt.Errorf("toolexec: scope resolution failed: %w", err)
	}

	if len(res.UserIDs) == 1 {
		args["user_id"] = res.UserIDs[0]
	} else {
		args["user_id"] = res.UserIDs
	}

	if res.ThreadFilter != "" {
		filters, _ := args["filters"].(map[string]any)
		if filters == nil {
			filters = map[string]any{}
		}
		filters["thread_id"] = res.ThreadFilter
		args["filters"] = filters
	}
	return nil
}

func toolAcceptsUserID(tool string) bool {
	switch tool {
	case "store", "search", "aggregate", "schedule_reminder", "get_pending_reminders",
		"batch_store", "batch_search", "batch_aggregate":
		return true
	default:
		return false
	}
}

// softUpsertRewrite implements spec.md §4.3.3: when ai_data.external_id is
// present on a store call, search for an existing memory with the same
// (external_id, type) first; on a hit, rewrite the step into
// update_memory_fields against the found id instead of inserting a
// duplicate.
func (e *Executor) softUpsertRewrite(ctx context.Context, args map[string]any) (string, map[string]any, error) {
	aiData, _ := args["ai_data"].(map[string]any)
	if aiData == nil {
		return "", nil, nil
	}
	externalID, _ := aiData["external_id"].(string)
	if externalID == "" {
		return "", nil, nil
	}
	typ, _ := aiData["type"].(string)
	userID, _ := args["user_id"].(string)
	if userID == "" {
		return "", nil, nil
	}

	searchOut, err := e.dispatcher.Dispatch(ctx, "search", map[string]any{
		"user_id": userID,
		"filters": map[string]any{
			"jsonb_equals": map[string]any{"external_id": externalID, "type": typ},
			"limit":        1,
		},
	})
	if err != nil {
		return "", nil, fmt.Errorf("toolexec: soft upsert lookup failed: %w", err)
	}
	results, _ := searchOut["results"].([]any)
	if len(results) == 0 {
		return "", nil, nil
	}
	found, ok := results[0].(map[string]any)
	if !ok {
		return "", nil, nil
	}
	id, _ := found["id"].(string)
	if id == "" {
		return "", nil, nil
	}

	return "update_memory_fields", map[string]any{
		"id":     id,
		"fields": aiData,
	}, nil
}

// attachEmbedding embeds `content` for store, and `query` for search,
// cache-first via the trace cache then the process-wide embedding cache.
func (e *Executor) attachEmbedding(ctx context.Context, tool string, args map[string]any, rc RunContext) error {
	if e.embeddings == nil {
		return nil
	}
	switch tool {
	case "store":
		content, _ := args["content"].(string)
		if content == "" {
			return nil
		}
		if _, already := args["embedding"]; already {
			return nil
		}
		vec, err := e.embeddings.EmbedTraced(ctx, rc.Embeddings, content)
		if err != nil {
			return err
		}
		args["embedding"] = vec
		return nil

	case "search":
		query, _ := args["query"].(string)
		if query == "" {
			return nil
		}
		vec, err := e.embeddings.EmbedTraced(ctx, rc.Embeddings, query)
		if err != nil {
			// Degraded path: proceed with predicate-only retrieval.
			return err
		}
		args["query_embedding"] = vec
		return nil

	default:
		return nil
	}
}
