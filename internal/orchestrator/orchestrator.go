// Package orchestrator implements the per-message flow of spec.md
// §4.1: preprocess attachments, select a prompt variant, analyze,
// branch into clarification, execute the tool plan and respond,
// opportunistically summarize, and record the experiment outcome. Any
// uncaught error is converted to a friendly reply; the orchestrator
// never re-raises to its caller.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/familyledger/core/internal/analysis"
	"github.com/familyledger/core/internal/contextmgr"
	"github.com/familyledger/core/internal/embedding"
	"github.com/familyledger/core/internal/errs"
	"github.com/familyledger/core/internal/experiment"
	"github.com/familyledger/core/internal/llmclient"
	"github.com/familyledger/core/internal/model"
	"github.com/familyledger/core/internal/prompt"
	"github.com/familyledger/core/internal/scope"
	"github.com/familyledger/core/internal/store"
	"github.com/familyledger/core/internal/telemetry"
	"github.com/familyledger/core/internal/toolexec"
	"github.com/familyledger/core/internal/toolservice"
)

// DefaultMessageDeadline is spec.md §5's "per-message deadline
// (default 20 s)".
const DefaultMessageDeadline = 20 * time.Second

// DefaultSummaryEveryNTurns is SPEC_FULL.md §9's Open Question decision
// for the opportunistic-summarize cadence.
const DefaultSummaryEveryNTurns = 8

// DefaultToolPlanStepCap bounds len(tool_plan.steps), per invariant 6.
const DefaultToolPlanStepCap = 10

// PromptVariantExperimentID is the A/B experiment every message
// consults for its prompt variant.
const PromptVariantExperimentID = "prompt_variant"

// Attachment is a pre-extracted piece of media content (OCR text,
// transcript, vision caption) attached to the inbound message.
type Attachment struct {
	Kind string // "ocr" | "transcript" | "caption"
	Text string
}

// MessageContext carries the envelope fields spec.md §4.1's `context`
// parameter names.
type MessageContext struct {
	Channel     string
	ThreadID    string
	TraceID     string
	Attachments []Attachment
}

// Config tunes the orchestrator's bounds (spec.md §5/§9 defaults).
type Config struct {
	MessageDeadline    time.Duration
	SummaryEveryNTurns int
	ToolPlanStepCap    int
	// FamilySharedUserIDs is FAMILY_SHARED_USER_IDS (spec.md §6): passed
	// through to every toolexec.RunContext as the scope=family fallback.
	FamilySharedUserIDs []string
}

func DefaultConfig() Config {
	return Config{
		MessageDeadline:    DefaultMessageDeadline,
		SummaryEveryNTurns: DefaultSummaryEveryNTurns,
		ToolPlanStepCap:    DefaultToolPlanStepCap,
	}
}

// Orchestrator wires every other component into the one per-message
// process() call spec.md §4.1 contracts.
type Orchestrator struct {
	llm         llmclient.Client
	analysisEng *analysis.Engine
	contextMgr  *contextmgr.Manager
	toolExec    *toolexec.Executor
	tools       toolexec.Dispatcher
	prompts     *prompt.Assembler
	experiments *experiment.Manager
	memories    store.MemoryStore
	logger      *slog.Logger
	cfg         Config
}

func New(
	llm llmclient.Client,
	analysisEng *analysis.Engine,
	contextMgr *contextmgr.Manager,
	toolExec *toolexec.Executor,
	tools toolexec.Dispatcher,
	prompts *prompt.Assembler,
	experiments *experiment.Manager,
	memories store.MemoryStore,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageDeadline <= 0 {
		cfg.MessageDeadline = DefaultMessageDeadline
	}
	if cfg.SummaryEveryNTurns <= 0 {
		cfg.SummaryEveryNTurns = DefaultSummaryEveryNTurns
	}
	if cfg.ToolPlanStepCap <= 0 {
		cfg.ToolPlanStepCap = DefaultToolPlanStepCap
	}
	return &Orchestrator{
		llm: llm, analysisEng: analysisEng, contextMgr: contextMgr, toolExec: toolExec,
		tools: tools, prompts: prompts, experiments: experiments,
		memories: memories, logger: logger, cfg: cfg,
	}
}

// Process is spec.md §4.1's process(content, principal, context) →
// reply_text contract.
func (o *Orchestrator) Process(ctx context.Context, content, principal string, msgCtx MessageContext) string {
	if msgCtx.TraceID == "" {
		msgCtx.TraceID = uuid.NewString()
	}
	ctx = telemetry.WithTraceID(ctx, msgCtx.TraceID)
	log := telemetry.StepLogger(o.logger, msgCtx.TraceID, principal, "process")

	ctx, cancel := context.WithTimeout(ctx, o.cfg.MessageDeadline)
	defer cancel()

	reply, err := o.run(ctx, content, principal, msgCtx)
	if err != nil {
		kind := errs.KindOf(err)
		log.Error("message.process.error", "kind", kind, "error", err)
		return errs.FriendlyMessage(kind)
	}
	return reply
}

func (o *Orchestrator) run(ctx context.Context, content, principal string, msgCtx MessageContext) (string, error) {
	traceID := msgCtx.TraceID
	log := telemetry.StepLogger(o.logger, traceID, principal, "")

	// Step 1: preprocess attachments.
	content = o.preprocess(content, msgCtx.Attachments)

	// Step 2: variant selection.
	ctx, span := telemetry.StartStep(ctx, traceID, "variant_selection")
	variant := "default"
	if o.experiments != nil {
		variant = o.experiments.Assign(principal, PromptVariantExperimentID, msgCtx.Channel)
	}
	span.End()
	log.Info("step.variant_selection.completed", "variant", variant)

	specs := o.tools.Specs()

	// Step 3: analyze.
	ctx, span = telemetry.StartStep(ctx, traceID, "analyze")
	basic, err := o.contextMgr.Basic(ctx, principal, msgCtx.ThreadID)
	if err != nil {
		span.End()
		return "", errs.ContextResolution(traceID, principal, "fetching basic context", err)
	}
	understandingPrompt, err := o.prompts.Assemble(variant, prompt.PhaseUnderstanding, msgCtx.Channel, specs)
	if err != nil {
		span.End()
		return "", errs.Analysis(traceID, principal, "assembling understanding prompt", err)
	}
	basicContext := map[string]any{
		"light_context": basic.LightContext,
		"household":     basic.Household,
	}
	a, err := o.analysisEng.Analyze(ctx, content, analysis.User{
		Principal: principal, Channel: msgCtx.Channel, ThreadID: msgCtx.ThreadID,
	}, basicContext, understandingPrompt, traceID)
	span.End()
	if err != nil {
		return "", err
	}
	log.Info("step.analyze.completed", "thinking_depth", a.Understanding.ThinkingDepth)

	// Step 4: clarify branch.
	if a.Understanding.NeedClarification {
		return o.clarify(ctx, content, principal, msgCtx, variant, a, specs)
	}

	// Step 5: execute & respond.
	reply, execResult, err := o.executeAndRespond(ctx, content, principal, msgCtx, variant, a, specs, basic.Household)
	if err != nil {
		return "", err
	}

	// Step 6: opportunistic summarize.
	o.maybeSummarize(ctx, principal, msgCtx, traceID)

	// Step 7: record experiment outcome.
	if o.experiments != nil {
		o.experiments.RecordOutcome(PromptVariantExperimentID, execResultHadFatalError(execResult))
	}

	return reply, nil
}

func (o *Orchestrator) preprocess(content string, attachments []Attachment) string {
	var sb strings.Builder
	sb.WriteString(content)
	for _, a := range attachments {
		fmt.Fprintf(&sb, "\n\n[%s]: %s", a.Kind, a.Text)
	}
	return sb.String()
}

func (o *Orchestrator) clarify(ctx context.Context, content, principal string, msgCtx MessageContext, variant string, a analysis.Analysis, specs []toolservice.Spec) (string, error) {
	ctx, span := telemetry.StartStep(ctx, msgCtx.TraceID, "clarify")
	defer span.End()

	responsePrompt, err := o.prompts.Assemble(variant, prompt.PhaseResponse, msgCtx.Channel, specs)
	if err != nil {
		return "", errs.Analysis(msgCtx.TraceID, principal, "assembling clarify prompt", err)
	}
	userMsg, err := json.Marshal(map[string]any{
		"understanding":           a.Understanding,
		"clarification_questions": a.Understanding.ClarificationQuestions,
	})
	if err != nil {
		return "", errs.Analysis(msgCtx.TraceID, principal, "marshaling clarify payload", err)
	}
	reply, err := o.llm.ChatText(ctx, responsePrompt, string(userMsg))
	if err != nil {
		return "", errs.LLM(msgCtx.TraceID, principal, "clarify ChatText", err)
	}

	o.persistTurn(ctx, principal, msgCtx.ThreadID, "clarification_turn", content, a.Understanding)

	return reply, nil
}

func (o *Orchestrator) executeAndRespond(
	ctx context.Context, content, principal string, msgCtx MessageContext, variant string,
	a analysis.Analysis, specs []toolservice.Spec, hh *model.HouseholdView,
) (string, toolexec.Result, error) {
	ctx, span := telemetry.StartStep(ctx, msgCtx.TraceID, "execute")

	plan := buildPlan(a, o.cfg.ToolPlanStepCap)
	rc := toolexec.RunContext{
		TraceID: msgCtx.TraceID, CurrentPrincipal: principal, CurrentThreadID: msgCtx.ThreadID,
		Household: hh, Embeddings: embedding.NewTraceCache(),
		FamilySharedUserIDs: o.cfg.FamilySharedUserIDs,
	}
	result, err := o.toolExec.Run(ctx, plan, rc)
	span.End()
	if err != nil {
		return "", toolexec.Result{}, err
	}

	ctx, span = telemetry.StartStep(ctx, msgCtx.TraceID, "respond")
	defer span.End()

	responsePrompt, err := o.prompts.Assemble(variant, prompt.PhaseResponse, msgCtx.Channel, specs)
	if err != nil {
		return "", result, errs.Analysis(msgCtx.TraceID, principal, "assembling response prompt", err)
	}
	userPayload := map[string]any{
		"understanding":       a.Understanding,
		"execution_result":    result,
		"context_payload":     rc.ContextPayload,
		"response_directives": a.ResponseDirectives,
	}
	userJSON, err := json.Marshal(userPayload)
	if err != nil {
		return "", result, errs.ToolExecution(msgCtx.TraceID, principal, "marshaling response payload", err)
	}
	reply, err := o.llm.ChatText(ctx, responsePrompt, string(userJSON))
	if err != nil {
		return "", result, errs.LLM(msgCtx.TraceID, principal, "response ChatText", err)
	}
	reply = truncateForChannel(reply, msgCtx.Channel)

	o.persistTurn(ctx, principal, msgCtx.ThreadID, "chat_turn_user", content, a.Understanding)
	o.persistAssistantTurn(ctx, principal, msgCtx.ThreadID, reply, a.Understanding)

	return reply, result, nil
}

// buildPlan converts Analysis.ToolPlan into a toolexec.Plan, extracting
// each step's conventional "scope"/"person"/"person_key" args keys
// into a toolexec.ScopeRef (spec.md §4.3.2's scope is declared as part
// of the step's args, not a separate schema field).
func buildPlan(a analysis.Analysis, stepCap int) toolexec.Plan {
	steps := a.ToolPlan.Steps
	if stepCap > 0 && len(steps) > stepCap {
		steps = steps[:stepCap]
	}
	plan := toolexec.Plan{
		NeedAction:  a.Understanding.NeedAction,
		QueryShaped: isQueryShaped(a.Understanding.Intent),
	}
	for _, s := range steps {
		step := toolexec.Step{Tool: s.Tool, Args: map[string]any{}, Mandatory: s.Mandatory}
		for k, v := range s.Args {
			step.Args[k] = v
		}
		if ref := extractScope(step.Args); ref != nil {
			step.Scope = ref
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

func extractScope(args map[string]any) *toolexec.ScopeRef {
	raw, ok := args["scope"]
	if !ok {
		return nil
	}
	kindStr, _ := raw.(string)
	delete(args, "scope")

	personOrKey, _ := args["person_key"].(string)
	if personOrKey == "" {
		personOrKey, _ = args["person"].(string)
	}
	delete(args, "person_key")
	delete(args, "person")

	switch scope.Kind(kindStr) {
	case scope.Family:
		return &toolexec.ScopeRef{Kind: scope.Family}
	case scope.Personal:
		return &toolexec.ScopeRef{Kind: scope.Personal, PersonOrKey: personOrKey}
	case scope.Thread:
		return &toolexec.ScopeRef{Kind: scope.Thread}
	default:
		return nil
	}
}

func isQueryShaped(intent string) bool {
	lower := strings.ToLower(intent)
	for _, kw := range []string{"查", "多少", "how much", "what", "search", "find", "look up", "query"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// channelReplyCaps are per-channel hard caps on reply length, per
// spec.md §4.6's "truncated at a per-channel hard cap with an
// ellipsis".
var channelReplyCaps = map[string]int{
	"sms": 480,
}

func truncateForChannel(reply, channel string) string {
	limit, ok := channelReplyCaps[channel]
	if !ok || len(reply) <= limit {
		return reply
	}
	const ellipsis = "…"
	if limit <= len(ellipsis) {
		return reply[:limit]
	}
	return reply[:limit-len(ellipsis)] + ellipsis
}

func (o *Orchestrator) persistTurn(ctx context.Context, principal, threadID, turnType, content string, understanding analysis.Understanding) {
	m := &model.Memory{
		UserID:   principal,
		Content:  content,
		ThreadID: threadID,
		Type:     turnType,
		AIUnderstanding: map[string]any{
			"type":          turnType,
			"understanding": understanding,
		},
	}
	if err := o.memories.CreateMemory(ctx, m); err != nil {
		o.logger.Error("orchestrator: persisting turn failed", "turn_type", turnType, "error", err)
	}
}

func (o *Orchestrator) persistAssistantTurn(ctx context.Context, principal, threadID, reply string, understanding analysis.Understanding) {
	m := &model.Memory{
		UserID:   principal,
		Content:  reply,
		ThreadID: threadID,
		Type:     "chat_turn_assistant",
		AIUnderstanding: map[string]any{
			"type":          "chat_turn_assistant",
			"understanding": understanding,
		},
	}
	if err := o.memories.CreateMemory(ctx, m); err != nil {
		o.logger.Error("orchestrator: persisting assistant turn failed", "error", err)
	}
}

// maybeSummarize issues a plain-text LLM summary call and stores it as
// a thread_summary memory when the thread has accumulated at least
// cfg.SummaryEveryNTurns turns since the last summary. Failures here
// are logged, never surfaced — summarization is opportunistic, per
// spec.md §4.1 step 6.
func (o *Orchestrator) maybeSummarize(ctx context.Context, principal string, msgCtx MessageContext, traceID string) {
	if msgCtx.ThreadID == "" {
		return
	}
	ctx, span := telemetry.StartStep(ctx, traceID, "summarize")
	defer span.End()

	turns, err := o.memories.SearchMemories(ctx, store.SearchSpec{
		UserIDs: []string{principal},
		Filter:  store.Filter{ThreadID: msgCtx.ThreadID, Limit: 200},
	})
	if err != nil {
		o.logger.Error("orchestrator: summarize lookup failed", "error", err)
		return
	}

	// turns is newest-first, so count back to the most recent summary.
	turnsSinceLastSummary := 0
	for _, t := range turns {
		if t.Type == "thread_summary" {
			break
		}
		turnsSinceLastSummary++
	}
	if turnsSinceLastSummary < o.cfg.SummaryEveryNTurns {
		return
	}

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s] %s\n", t.Type, t.Content)
	}
	summary, err := o.llm.ChatText(ctx, "Summarize this conversation thread concisely.", sb.String())
	if err != nil {
		o.logger.Error("orchestrator: summary ChatText failed", "error", err)
		return
	}

	m := &model.Memory{
		UserID:   principal,
		Content:  summary,
		ThreadID: msgCtx.ThreadID,
		Type:     "thread_summary",
		AIUnderstanding: map[string]any{"type": "thread_summary"},
	}
	if err := o.memories.CreateMemory(ctx, m); err != nil {
		o.logger.Error("orchestrator: persisting summary failed", "error", err)
	}
}

func execResultHadFatalError(result toolexec.Result) bool {
	for _, r := range result.Results {
		if r.Error != "" && r.Kind != errs.KindToolTimeout {
			return true
		}
	}
	return false
}
