// Package delegate holds the shared data model and collaborator interfaces for the
// agent delegation engine: the types every subpackage (registry, tools, toolcall,
// planner, scheduler, executor, modelpool, trace, aggregate) builds against, plus the
// top-level DelegationEngine that wires them into a single Run call.
package delegate

import (
	"context"
	"sync/atomic"
	"time"
)

// AgentRole is a named configuration the engine assumes for the duration of one task.
// Loaded once at startup by the registry; never mutated afterward.
type AgentRole struct {
	Name           string   `yaml:"name"`
	Emoji          string   `yaml:"emoji,omitempty"`
	SystemPrompt   string   `yaml:"system_prompt"`
	ModelID        string   `yaml:"model_id"`
	Temperature    float64  `yaml:"temperature"`
	MaxContext     int      `yaml:"max_context_tokens,omitempty"`
	LoopLimit      int      `yaml:"loop_limit"`
	DefaultTools   []string `yaml:"default_tools,omitempty"`
	ForbiddenTools []string `yaml:"forbidden_tools,omitempty"`
	PlanningHints  string   `yaml:"planning_hints,omitempty"`
	Description    string   `yaml:"description,omitempty"`
}

// ToolDescriptor describes one callable tool, fully qualified as "<server>.<tool>" or
// "builtin.<tool>". Schema is a JSON Schema object describing Call's arguments.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Server returns the portion of Name before the first dot, e.g. "builtin" or "fs".
func (d ToolDescriptor) Server() string {
	for i, r := range d.Name {
		if r == '.' {
			return d.Name[:i]
		}
	}
	return d.Name
}

// TaskStatus is a Task's position in its terminal state machine:
// pending -> ready -> running -> {completed, failed, cancelled}.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one node of a Plan's DAG.
type Task struct {
	ID             string
	Description    string
	AgentType      string
	Dependencies   []string
	ExpectedOutput string

	Status    TaskStatus
	Result    string
	ErrorKind ErrorKind
	ErrorMsg  string
	StartedAt time.Time
	EndedAt   time.Time
}

// Plan is a validated DAG of tasks produced by the planner for one user query.
type Plan struct {
	Tasks []Task

	// reverseDeps[id] lists every task that lists id as a dependency. Built lazily
	// by Dependents on its first call.
	reverseDeps map[string][]string
}

// ByID returns the index of the task with the given id, or -1.
func (p *Plan) ByID(id string) int {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// Dependents returns the ids of tasks that directly depend on id.
func (p *Plan) Dependents(id string) []string {
	if p.reverseDeps == nil {
		p.buildReverseIndex()
	}
	return p.reverseDeps[id]
}

func (p *Plan) buildReverseIndex() {
	idx := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			idx[dep] = append(idx[dep], t.ID)
		}
	}
	p.reverseDeps = idx
}

// TaskOutcome is the external, read-only report of one task's final disposition.
type TaskOutcome struct {
	ID         string
	Role       string
	Status     TaskStatus
	Result     string
	ErrorKind  ErrorKind
	ErrorMsg   string
	DurationMs int64
}

// ChatMessage is one turn in a model conversation.
type ChatMessage struct {
	Role     string // system, user, assistant, tool
	Content  string
	ToolName string
	ToolID   string
}

// ChatOptions configures a single ModelClient.Chat call.
type ChatOptions struct {
	Temperature float64
	Tools       []ToolDescriptor // hint only; tool calls are parsed from text regardless
	Stream      bool
}

// TokenUsage reports per-call token accounting, when the client can supply it.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelClient is the abstract chat-completion collaborator the engine is built
// against; a real HTTP client (Ollama, OpenAI-compatible, etc) is injected by the
// embedder and is out of the engine's scope.
type ModelClient interface {
	Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (text string, finishReason string, usage TokenUsage, err error)
	ListModels(ctx context.Context) ([]string, error)
}

// ToolBackend dispatches tool calls to MCP servers or built-in handlers and
// enumerates the tools currently available. Implementations must be safe for
// concurrent use.
type ToolBackend interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	Call(ctx context.Context, name string, args map[string]any) (result string, isError bool, err error)
}

// Clock is injected for deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// FS is the rooted filesystem collaborator backing the file built-in tools. Any
// resolved path outside the root must be rejected with ErrPathEscape.
type FS interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Stat(path string) (exists bool, isDir bool, err error)
	List(path string) ([]string, error)
	Root() string
}

// Runner executes bash commands and Python code on behalf of the execute_bash_command
// and execute_python_code built-ins. Sandboxing policy is the embedder's
// responsibility; the engine only defines the call boundary.
type Runner interface {
	RunBash(ctx context.Context, command string) (output string, exitCode int, err error)
	RunPython(ctx context.Context, code string) (output string, err error)
}

// TraceEvent is one structured record appended to a session's JSONL trace file.
type TraceEventType string

const (
	EvPlanRequest          TraceEventType = "plan_request"
	EvPlanResult           TraceEventType = "plan_result"
	EvPlanValidationFailed TraceEventType = "plan_validation_failed"
	EvTaskReady            TraceEventType = "task_ready"
	EvTaskStart            TraceEventType = "task_start"
	EvTaskEnd              TraceEventType = "task_end"
	EvModelCall            TraceEventType = "model_call"
	EvToolCall             TraceEventType = "tool_call"
	EvLoopIteration        TraceEventType = "loop_iteration"
	EvEarlyExit            TraceEventType = "early_exit"
	EvEscalation           TraceEventType = "escalation"
	EvAggregation          TraceEventType = "aggregation"
	EvRunSummary           TraceEventType = "run_summary"
)

type TraceEvent struct {
	Timestamp time.Time
	Type      TraceEventType
	TaskID    string
	Role      string
	Data      map[string]any
}

// TraceSink is the narrow surface every delegate subpackage writes events through;
// satisfied by *trace.Logger (kept as an interface here so packages never import
// internal/delegate/trace directly, avoiding an import cycle back into delegate).
type TraceSink interface {
	Emit(ev TraceEvent)
}

// NoopTraceSink discards every event; used when trace.level=off or in tests.
type NoopTraceSink struct{}

func (NoopTraceSink) Emit(TraceEvent) {}

// SwitchableSink lets long-lived components (Planner, Scheduler, AgentExecutor,
// Aggregator) be constructed once and wired against a single TraceSink, while
// TraceLogger itself is session-scoped (: "one JSONL file per session").
// DelegationEngine.Run points a SwitchableSink at a fresh *trace.Logger for the
// duration of one Run and back at a NoopTraceSink afterward, so every component
// keeps writing through the same interface value without being reconstructed
// per call.
type SwitchableSink struct {
	cur atomic.Pointer[TraceSink]
}

// NewSwitchableSink returns a SwitchableSink initially pointed at a NoopTraceSink.
func NewSwitchableSink() *SwitchableSink {
	s := &SwitchableSink{}
	var noop TraceSink = NoopTraceSink{}
	s.cur.Store(&noop)
	return s
}

// Emit forwards ev to whichever TraceSink is currently active.
func (s *SwitchableSink) Emit(ev TraceEvent) {
	(*s.cur.Load()).Emit(ev)
}

// Set points the sink at target; nil resets it to a NoopTraceSink.
func (s *SwitchableSink) Set(target TraceSink) {
	if target == nil {
		target = NoopTraceSink{}
	}
	s.cur.Store(&target)
}
