// Package executor implements the AgentExecutor component: per-task
// prompt assembly, the model-call/tool-call loop (per-turn model call -> parse
// -> dispatch -> append history), early-exit heuristics, per-role
// forbidden/unknown-tool handling, and optional escalation to a stronger
// fallback model.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/modelpool"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/toolcall"
)

// RoleSource is the narrow slice of AgentRegistry the executor needs: role lookup
// and effective-tool computation.
type RoleSource interface {
	Get(name string) (delegate.AgentRole, error)
	EffectiveTools(name string, available []delegate.ToolDescriptor) ([]delegate.ToolDescriptor, error)
}

// Pool is the narrow slice of ModelPool the executor needs.
type Pool interface {
	Acquire(ctx context.Context, model string, timeout time.Duration) (*modelpool.Slot, error)
	Release(slot *modelpool.Slot)
}

// Executor runs a single Task's tool-call loop to completion.
type Executor struct {
	model    delegate.ModelClient
	tools    delegate.ToolBackend
	roles    RoleSource
	pool     Pool
	cfg      delegate.Config
	sink     delegate.TraceSink
	log      zerolog.Logger
	parser   *toolcall.Parser
}

// New constructs an Executor.
func New(model delegate.ModelClient, tools delegate.ToolBackend, roles RoleSource, pool Pool, cfg delegate.Config, sink delegate.TraceSink, log zerolog.Logger) *Executor {
	if sink == nil {
		sink = delegate.NoopTraceSink{}
	}
	return &Executor{
		model:  model,
		tools:  tools,
		roles:  roles,
		pool:   pool,
		cfg:    cfg,
		sink:   sink,
		log:    log.With().Str("component", "executor").Logger(),
		parser: toolcall.NewParser(),
	}
}

// Execute runs task to a terminal status and returns the updated Task (status,
// result, error fields populated; StartedAt left for the caller/scheduler to set).
// deps maps each direct dependency id to its own completed Task, used to inject
// prior results into the prompt.
func (e *Executor) Execute(ctx context.Context, task delegate.Task, deps map[string]delegate.Task) delegate.Task {
	role, err := e.roles.Get(task.AgentType)
	if err != nil {
		return fail(task, delegate.ErrUnknownRole, err.Error())
	}

	available, err := e.tools.ListTools(ctx)
	if err != nil {
		return fail(task, delegate.ErrToolFailed, "could not list tools: "+err.Error())
	}
	effective, err := e.roles.EffectiveTools(task.AgentType, available)
	if err != nil {
		return fail(task, delegate.ErrUnknownRole, err.Error())
	}
	allowed := make(map[string]bool, len(effective))
	for _, d := range effective {
		allowed[d.Name] = true
	}

	messages := e.buildInitialMessages(role, effective, task, deps)

	taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout())
	defer cancel()

	result, messages, tErr := e.loop(taskCtx, role, role.ModelID, messages, allowed)
	if tErr != nil && tErr.Kind.EscalationEligible() && e.cfg.Escalation.Enabled && e.cfg.Escalation.FallbackModel != "" {
		e.sink.Emit(delegate.TraceEvent{Type: delegate.EvEscalation, TaskID: task.ID, Role: role.Name, Data: map[string]any{
			"reason": string(tErr.Kind), "fallback_model": e.cfg.Escalation.FallbackModel,
		}})
		result, _, tErr = e.loop(taskCtx, role, e.cfg.Escalation.FallbackModel, messages, allowed)
	}

	if tErr != nil {
		return failWithFields(task, tErr)
	}
	task.Status = delegate.TaskCompleted
	task.Result = result
	return task
}

func (e *Executor) taskTimeout() time.Duration {
	if e.cfg.TaskTimeout <= 0 {
		return 600 * time.Second
	}
	return e.cfg.TaskTimeout
}

// loop runs the model-call/tool-call iterations for one task attempt against
// one model id, returning the terminal result text (or a terminal TaskError)
// plus the message history accumulated so far. The returned slice is the
// base an escalation retry continues from, so the fallback model sees the
// same conversation rather than replaying from the initial prompt: messages
// is reassigned via append on every iteration, and append on a caller-owned,
// len==cap slice reallocates into a new backing array on first growth, so the
// caller's original variable would otherwise never observe what was added.
func (e *Executor) loop(ctx context.Context, role delegate.AgentRole, modelID string, messages []delegate.ChatMessage, allowed map[string]bool) (string, []delegate.ChatMessage, *delegate.TaskError) {
	loopLimit := role.LoopLimit
	if loopLimit <= 0 {
		loopLimit = 10
	}
	consecutiveEmpty := 0

	for iteration := 1; ; iteration++ {
		slot, err := e.pool.Acquire(ctx, modelID, e.poolTimeout())
		if err != nil {
			if te, ok := err.(*delegate.TaskError); ok {
				return "", messages, te
			}
			return "", messages, delegate.NewTaskError(delegate.ErrPoolTimeout, "executor", err.Error(), err)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.modelCallTimeout())
		text, _, _, chatErr := e.model.Chat(callCtx, slot.Model, messages, delegate.ChatOptions{Temperature: role.Temperature})
		cancel()
		e.pool.Release(slot)

		e.sink.Emit(delegate.TraceEvent{Type: delegate.EvModelCall, Role: role.Name, Data: map[string]any{
			"iteration": iteration, "model": modelID,
		}})

		if chatErr != nil {
			if callCtx.Err() != nil {
				return "", messages, delegate.NewTaskError(delegate.ErrModelTimeout, "executor", "model call timed out", chatErr)
			}
			return "", messages, delegate.NewTaskError(delegate.ErrModelTimeout, "executor", chatErr.Error(), chatErr)
		}

		e.sink.Emit(delegate.TraceEvent{Type: delegate.EvLoopIteration, Role: role.Name, Data: map[string]any{"iteration": iteration}})

		trimmed := strings.TrimSpace(text)

		if trimmed == "" {
			consecutiveEmpty++
			if consecutiveEmpty >= 2 {
				e.sink.Emit(delegate.TraceEvent{Type: delegate.EvEarlyExit, Role: role.Name, Data: map[string]any{"reason": "empty_response"}})
				return "", messages, delegate.NewTaskError(delegate.ErrEmptyResponse, "executor", "model returned an empty response twice in a row", nil)
			}
			messages = append(messages, delegate.ChatMessage{Role: "assistant", Content: text})
			continue
		}
		consecutiveEmpty = 0

		if isCorrupt(trimmed) {
			e.sink.Emit(delegate.TraceEvent{Type: delegate.EvEarlyExit, Role: role.Name, Data: map[string]any{"reason": "corrupt_output"}})
			return "", messages, delegate.NewTaskError(delegate.ErrCorruptOutput, "executor", "response appears corrupt (non-ASCII lead byte, no ASCII word)", nil)
		}

		calls := e.parser.Parse(text)
		if len(calls) == 0 {
			return text, messages, nil
		}

		messages = append(messages, delegate.ChatMessage{Role: "assistant", Content: text})
		for _, call := range calls {
			messages = append(messages, e.dispatch(ctx, role, allowed, call))
		}

		if iteration >= loopLimit {
			e.sink.Emit(delegate.TraceEvent{Type: delegate.EvEarlyExit, Role: role.Name, Data: map[string]any{"reason": "loop_limit", "limit": loopLimit}})
			return "", messages, delegate.NewTaskError(delegate.ErrLoopLimit, "executor", fmt.Sprintf("loop limit %d reached", loopLimit), nil, "limit", loopLimit)
		}
	}
}

// dispatch runs one parsed tool call against the ToolBackend (or rejects it as
// forbidden/unknown) and returns a tool-role message carrying the result text,
//  "append the tool result as an assistant-visible tool-output
// message" policy.
func (e *Executor) dispatch(ctx context.Context, role delegate.AgentRole, allowed map[string]bool, call toolcall.Call) delegate.ChatMessage {
	if !allowed[call.Name] {
		e.sink.Emit(delegate.TraceEvent{Type: delegate.EvToolCall, Role: role.Name, Data: map[string]any{
			"tool": call.Name, "error": string(delegate.ErrForbiddenTool),
		}})
		return delegate.ChatMessage{
			Role:     "tool",
			ToolName: call.Name,
			Content:  fmt.Sprintf("error: tool %q is not in this role's effective tool set", call.Name),
		}
	}

	resultText, isError, err := e.tools.Call(ctx, call.Name, call.Args)
	if err != nil {
		e.sink.Emit(delegate.TraceEvent{Type: delegate.EvToolCall, Role: role.Name, Data: map[string]any{
			"tool": call.Name, "error": string(delegate.ErrUnknownTool),
		}})
		return delegate.ChatMessage{Role: "tool", ToolName: call.Name, Content: "error: " + err.Error()}
	}

	e.sink.Emit(delegate.TraceEvent{Type: delegate.EvToolCall, Role: role.Name, Data: map[string]any{
		"tool": call.Name, "is_error": isError, "args_count": len(call.Args),
	}})
	if isError {
		resultText = "error: " + resultText
	}
	return delegate.ChatMessage{Role: "tool", ToolName: call.Name, Content: resultText}
}

func (e *Executor) modelCallTimeout() time.Duration {
	if e.cfg.ModelCallTimeout <= 0 {
		return 180 * time.Second
	}
	return e.cfg.ModelCallTimeout
}

func (e *Executor) poolTimeout() time.Duration {
	if e.cfg.PoolAcquireTimeout <= 0 {
		return 300 * time.Second
	}
	return e.cfg.PoolAcquireTimeout
}

// isCorrupt flags likely garbage model output: the response's first rune has a
// codepoint > 127 and the surrounding text contains no ASCII word of length >= 3.
func isCorrupt(text string) bool {
	r, _ := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError || r <= 127 {
		return false
	}
	var word strings.Builder
	for _, c := range text {
		if c <= unicode.MaxASCII && (unicode.IsLetter(c) || unicode.IsDigit(c)) {
			word.WriteRune(c)
			if word.Len() >= 3 {
				return false
			}
		} else {
			word.Reset()
		}
	}
	return true
}

func fail(task delegate.Task, kind delegate.ErrorKind, msg string) delegate.Task {
	task.Status = delegate.TaskFailed
	task.ErrorKind = kind
	task.ErrorMsg = msg
	return task
}

func failWithFields(task delegate.Task, te *delegate.TaskError) delegate.Task {
	task.Status = delegate.TaskFailed
	task.ErrorKind = te.Kind
	task.ErrorMsg = te.Error()
	return task
}

// buildInitialMessages assembles the role system prompt, an effective-tool
// listing (collapsed past ~10 entries to name+one-line ), injected
// dependency results (per-dependency and global caps, Open Question #1 / DESIGN.md),
// and the task description.
func (e *Executor) buildInitialMessages(role delegate.AgentRole, tools []delegate.ToolDescriptor, task delegate.Task, deps map[string]delegate.Task) []delegate.ChatMessage {
	var sys strings.Builder
	sys.WriteString(role.SystemPrompt)
	sys.WriteString("\n\n## Tools available to you\n")
	sys.WriteString(toolBlock(tools))

	var user strings.Builder
	if len(deps) > 0 {
		user.WriteString(e.dependencyBlock(task, deps))
	}
	fmt.Fprintf(&user, "## Task\n%s\n", task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&user, "\nExpected output: %s\n", task.ExpectedOutput)
	}

	return []delegate.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

const maxToolsInFull = 10

func toolBlock(tools []delegate.ToolDescriptor) string {
	var b strings.Builder
	if len(tools) <= maxToolsInFull {
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n  args schema: %v\n", t.Name, t.Description, t.Schema)
		}
		return b.String()
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

// dependencyBlock injects each direct dependency's result, truncated per the
// per-dependency cap and an overall budget across all dependencies; the tighter
// of the two applies once the global budget is partially consumed (Open Question
// #1, see DESIGN.md).
func (e *Executor) dependencyBlock(task delegate.Task, deps map[string]delegate.Task) string {
	perDep := e.cfg.MaxDependencyResultChars
	if perDep <= 0 {
		perDep = 2000
	}
	globalBudget := e.cfg.MaxInjectedContextChars
	if globalBudget <= 0 {
		globalBudget = 6000
	}

	var b strings.Builder
	b.WriteString("## Results from dependencies\n")
	for _, depID := range task.Dependencies {
		dep, ok := deps[depID]
		if !ok {
			continue
		}
		text := dep.Result
		if dep.Status != delegate.TaskCompleted {
			text = fmt.Sprintf("[%s: %s]", dep.Status, dep.ErrorMsg)
		}
		limit := perDep
		if limit > globalBudget {
			limit = globalBudget
		}
		if len(text) > limit {
			text = text[:limit] + "...(truncated, " + strconv.Itoa(len(text)-limit) + " more chars)"
		}
		globalBudget -= len(text)
		if globalBudget < 0 {
			globalBudget = 0
		}
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", depID, dep.Status, text)
	}
	return b.String()
}
