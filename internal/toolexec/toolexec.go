// Package toolexec is the Tool Executor of spec.md §4.3: given a tool_plan
// it prepares each step's arguments (cross-step references, scope
// injection, soft-upsert rewrite, embedding attachment), validates them
// against the tool's declared schema, dispatches sequentially against the
// Tool Service under a per-step time budget, and runs a bounded
// verification loop over the results.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/familyledger/core/internal/embedding"
	"github.com/familyledger/core/internal/errs"
	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/scope"
	"github.com/familyledger/core/internal/toolservice"
)

// Dispatcher is the Go-level seam toolexec talks to the tool service
// through. toolservice.Registry satisfies it; HTTP is a thin shell over
// the same Registry (SPEC_FULL.md §6), so toolexec never needs a network
// hop in-process.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Specs() []toolservice.Spec
	// WithTx runs fn with ctx carrying a single store transaction, so a
	// store step's soft-upsert lookup-then-write (spec.md §5) commits or
	// rolls back as one unit.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ScopeRef is a step's declared scope (spec.md §4.3.2); nil means the AI
// set user_id explicitly and no injection is needed.
type ScopeRef struct {
	Kind        scope.Kind
	PersonOrKey string
}

// Step is one entry of a tool_plan.
type Step struct {
	Tool      string
	Args      map[string]any
	Scope     *ScopeRef
	// Mandatory stops the plan on this step's ToolTimeoutError instead
	// of continuing to later steps (spec.md §4.3).
	Mandatory bool
}

// Plan is the tool_plan the Analysis Engine emits.
type Plan struct {
	Steps []Step
	// NeedAction/QueryShaped drive the verification loop's "was this a
	// retrieval the user expected to see something from" heuristic.
	NeedAction  bool
	QueryShaped bool
}

// StepResult is one entry of the executor's results list.
type StepResult struct {
	Tool   string         `json:"tool"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Kind   errs.Kind      `json:"kind,omitempty"`
}

// Result is what Run returns: spec.md §4.3's {results, last_store_id?}.
type Result struct {
	Results     []StepResult
	LastStoreID string
}

// RunContext carries the per-message identity and environment the
// executor needs for scope injection and embedding attachment.
type RunContext struct {
	TraceID          string
	CurrentPrincipal string
	CurrentThreadID  string
	Household        *model.HouseholdView
	Embeddings       *embedding.TraceCache
	// FamilySharedUserIDs is FAMILY_SHARED_USER_IDS (spec.md §6): the
	// configured fallback principal set scope.Resolve(Family, ...) uses
	// when the current principal belongs to no household row yet.
	FamilySharedUserIDs []string
	// ContextPayload holds the Context Manager's resolved context_requests,
	// keyed by request name, for {"use_context": "<name>"} substitution.
	ContextPayload map[string]any
}

// Config tunes the executor's verification loop (spec.md §9 Open
// Questions, defaults recorded in DESIGN.md).
type Config struct {
	VerificationMinResults int
	MaxVerificationRounds  int
}

func DefaultConfig() Config {
	return Config{VerificationMinResults: 1, MaxVerificationRounds: 2}
}

// Executor runs tool plans against a Dispatcher.
type Executor struct {
	dispatcher Dispatcher
	embeddings *embedding.CachedProvider
	cfg        Config

	schemas map[string]*jsonschema.Schema
}

// NewExecutor compiles every registered tool's input schema up front via
// santhosh-tekuri/jsonschema/v6, so Run's hot path only validates. Mirrors
// goa-ai's validatePayloadJSONAgainstSchema: schemas arrive as Go maps
// (from get_tool_specs), round-tripped through encoding/json into the
// `any` shape AddResource expects.
func NewExecutor(d Dispatcher, embeddings *embedding.CachedProvider, cfg Config) (*Executor, error) {
	e := &Executor{dispatcher: d, embeddings: embeddings, cfg: cfg, schemas: map[string]*jsonschema.Schema{}}
	compiler := jsonschema.NewCompiler()
	for _, spec := range d.Specs() {
		if spec.InputSchema == nil {
			continue
		}
		raw, err := json.Marshal(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("toolexec: marshaling schema for %s: %w", spec.Name, err)
		}
		var schemaDoc any
		if err := json.Unmarshal(raw, &schemaDoc); err != nil {
			return nil, fmt.Errorf("toolexec: decoding schema for %s: %w", spec.Name, err)
		}
		url := "mem://toolexec/" + spec.Name + ".json"
		if err := compiler.AddResource(url, schemaDoc); err != nil {
			return nil, fmt.Errorf("toolexec: adding schema resource for %s: %w", spec.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("toolexec: compiling schema for %s: %w", spec.Name, err)
		}
		e.schemas[spec.Name] = schema
	}
	return e, nil
}

// Run executes a plan's steps strictly in order, then runs the
// verification loop.
func (e *Executor) Run(ctx context.Context, plan Plan, rc RunContext) (Result, error) {
	result := Result{Results: make([]StepResult, 0, len(plan.Steps))}

	rounds := 0
	steps := plan.Steps
	for {
		for _, step := range steps {
			sr := e.runStep(ctx, step, rc, &result)
			result.Results = append(result.Results, sr)
			if step.Mandatory && sr.Kind == errs.KindToolTimeout {
				return result, nil
			}
		}
		rounds++

		if !plan.NeedAction || !plan.QueryShaped {
			break
		}
		if rounds > e.cfg.MaxVerificationRounds {
			break
		}
		if e.hasSufficientResults(result) {
			break
		}
		steps = refinementSteps(steps)
		if len(steps) == 0 {
			break
		}
	}

	return result, nil
}

// hasSufficientResults implements the "obviously incomplete" heuristic:
// at least one search/aggregate-ish step returned VerificationMinResults
// or more results.
func (e *Executor) hasSufficientResults(r Result) bool {
	for _, sr := range r.Results {
		if sr.Error != "" {
			continue
		}
		if results, ok := sr.Output["results"]; ok {
			if n := countResults(results); n >= e.cfg.VerificationMinResults {
				return true
			}
		}
		if _, ok := sr.Output["scalar"]; ok {
			return true
		}
	}
	return false
}

func countResults(v any) int {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return rv.Len()
	}
	return 0
}

// refinementSteps broadens a search-shaped step's filters for another
// pass: drops amount/date windows but keeps user scoping, and raises the
// limit, falling back to trigram/time-ordered retrieval (spec.md §4.3).
func refinementSteps(prev []Step) []Step {
	var out []Step
	for _, s := range prev {
		if s.Tool != "search" {
			continue
		}
		broadened := cloneArgs(s.Args)
		if filters, ok := broadened["filters"].(map[string]any); ok {
			delete(filters, "amount_min")
			delete(filters, "amount_max")
			delete(filters, "date_from")
			delete(filters, "date_to")
			filters["limit"] = 50
		}
		out = append(out, Step{Tool: "search", Args: broadened, Scope: s.Scope})
	}
	return out
}

func cloneArgs(args map[string]any) map[string]any {
	b, _ := json.Marshal(args)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// runStep prepares, validates, and dispatches one step, translating
// failures into the executor's capture policy: a step error never
// aborts the plan. A "store" step runs its soft-upsert lookup-then-write
// inside a single DB transaction (spec.md §5).
func (e *Executor) runStep(ctx context.Context, step Step, rc RunContext, acc *Result) StepResult {
	if step.Tool == "store" {
		return e.runStoreStep(ctx, step, rc, acc)
	}
	return e.dispatchStep(ctx, step, rc, acc)
}

// runStoreStep wraps dispatchStep in a transaction so the soft-upsert
// rewrite's search call and the write it leads to (store or
// update_memory_fields) commit or roll back as one unit, closing the
// race two concurrent store calls with the same external_id could
// otherwise win past the existence check.
func (e *Executor) runStoreStep(ctx context.Context, step Step, rc RunContext, acc *Result) StepResult {
	var sr StepResult
	txErr := e.dispatcher.WithTx(ctx, func(txCtx context.Context) error {
		sr = e.dispatchStep(txCtx, step, rc, acc)
		if sr.Error != "" {
			return fmt.Errorf("%s", sr.Error)
		}
		return nil
	})
	if txErr != nil && sr.Error == "" {
		return StepResult{Tool: step.Tool, Error: txErr.Error(), Kind: errs.KindMCPTool}
	}
	return sr
}

func (e *Executor) dispatchStep(ctx context.Context, step Step, rc RunContext, acc *Result) StepResult {
	args, err := e.prepareArgs(ctx, step, rc, acc)
	if err != nil {
		kind := errs.KindOf(err)
		if kind == "" {
			kind = errs.KindToolPlanning
		}
		return StepResult{Tool: step.Tool, Error: err.Error(), Kind: kind}
	}

	dispatchTool := step.Tool
	if rewritten, ok := args["__dispatch_tool__"].(string); ok {
		dispatchTool = rewritten
		delete(args, "__dispatch_tool__")
	}

	if schema, ok := e.schemas[dispatchTool]; ok {
		if err := validateArgs(schema, args); err != nil {
			return StepResult{Tool: dispatchTool, Error: err.Error(), Kind: errs.KindToolPlanning}
		}
	}

	budget := specBudget(e.dispatcher, dispatchTool)
	stepCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	out, err := e.dispatcher.Dispatch(stepCtx, dispatchTool, args)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return StepResult{Tool: dispatchTool, Error: err.Error(), Kind: errs.KindToolTimeout}
		}
		return StepResult{Tool: dispatchTool, Error: err.Error(), Kind: errs.KindMCPTool}
	}

	if dispatchTool == "store" {
		if id, ok := out["id"].(string); ok {
			acc.LastStoreID = id
		}
	}
	return StepResult{Tool: dispatchTool, Output: out}
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolexec: marshaling args for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("toolexec: decoding args for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("toolexec: argument schema violation: %w", err)
	}
	return nil
}

func specBudget(d Dispatcher, tool string) time.Duration {
	for _, spec := range d.Specs() {
		if spec.Name == tool {
			if spec.XTimeBudget > 0 {
				return spec.XTimeBudget
			}
			break
		}
	}
	return 2 * time.Second
}
