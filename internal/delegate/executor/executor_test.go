package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/modelpool"
)

type fakeModel struct {
	responses []string
	calls     int
}

func (f *fakeModel) Chat(ctx context.Context, model string, messages []delegate.ChatMessage, opts delegate.ChatOptions) (string, string, delegate.TokenUsage, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		return f.responses[len(f.responses)-1], "stop", delegate.TokenUsage{}, nil
	}
	return f.responses[idx], "stop", delegate.TokenUsage{}, nil
}

func (f *fakeModel) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

type fakeTools struct {
	calls []string
}

func (f *fakeTools) ListTools(ctx context.Context) ([]delegate.ToolDescriptor, error) {
	return []delegate.ToolDescriptor{
		{Name: "builtin.read_file", Description: "read a file"},
	}, nil
}

func (f *fakeTools) Call(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	f.calls = append(f.calls, name)
	return "file contents", false, nil
}

type fakeRoles struct {
	role delegate.AgentRole
}

func (f *fakeRoles) Get(name string) (delegate.AgentRole, error) { return f.role, nil }

func (f *fakeRoles) EffectiveTools(name string, available []delegate.ToolDescriptor) ([]delegate.ToolDescriptor, error) {
	return available, nil
}

func testPool() *modelpool.Pool {
	return modelpool.New([]delegate.Endpoint{{URL: "http://fake", Model: "test-model", MaxConcurrent: 4}}, zerolog.Nop())
}

func baseRole() delegate.AgentRole {
	return delegate.AgentRole{
		Name: "EXECUTOR", ModelID: "test-model", Temperature: 0.2, LoopLimit: 5,
		SystemPrompt: "You are a test agent.",
	}
}

func baseCfg() delegate.Config {
	cfg := delegate.DefaultConfig()
	cfg.ModelCallTimeout = 2 * time.Second
	cfg.PoolAcquireTimeout = 2 * time.Second
	cfg.TaskTimeout = 2 * time.Second
	return cfg
}

func TestExecuteNoToolCallsCompletesWithResult(t *testing.T) {
	model := &fakeModel{responses: []string{"the final answer"}}
	tools := &fakeTools{}
	roles := &fakeRoles{role: baseRole()}
	e := New(model, tools, roles, testPool(), baseCfg(), nil, zerolog.Nop())

	task := delegate.Task{ID: "t1", AgentType: "EXECUTOR", Description: "do a thing"}
	result := e.Execute(context.Background(), task, nil)

	if result.Status != delegate.TaskCompleted {
		t.Fatalf("want completed, got %s (%s: %s)", result.Status, result.ErrorKind, result.ErrorMsg)
	}
	if result.Result != "the final answer" {
		t.Fatalf("unexpected result: %q", result.Result)
	}
}

func TestExecuteDispatchesToolCallThenCompletes(t *testing.T) {
	model := &fakeModel{responses: []string{
		`{"name":"builtin.read_file","arguments":{"path":"x.txt"}}`,
		"done reading",
	}}
	tools := &fakeTools{}
	roles := &fakeRoles{role: baseRole()}
	e := New(model, tools, roles, testPool(), baseCfg(), nil, zerolog.Nop())

	task := delegate.Task{ID: "t1", AgentType: "EXECUTOR", Description: "read x.txt"}
	result := e.Execute(context.Background(), task, nil)

	if result.Status != delegate.TaskCompleted {
		t.Fatalf("want completed, got %s: %s", result.Status, result.ErrorMsg)
	}
	if len(tools.calls) != 1 || tools.calls[0] != "builtin.read_file" {
		t.Fatalf("expected one call to builtin.read_file, got %v", tools.calls)
	}
}

func TestExecuteForbiddenToolIsNotFatal(t *testing.T) {
	model := &fakeModel{responses: []string{
		`{"name":"builtin.execute_bash_command","arguments":{"command":"ls"}}`,
		"finished without bash",
	}}
	tools := &fakeTools{}
	role := baseRole()
	roles := &fakeRoles{role: role}
	e := New(model, tools, roles, testPool(), baseCfg(), nil, zerolog.Nop())
	e.roles = &restrictiveRoles{role: role} // only builtin.read_file allowed

	task := delegate.Task{ID: "t1", AgentType: "EXECUTOR", Description: "try something forbidden"}
	result := e.Execute(context.Background(), task, nil)

	if result.Status != delegate.TaskCompleted {
		t.Fatalf("want completed despite forbidden tool, got %s: %s", result.Status, result.ErrorMsg)
	}
	if len(tools.calls) != 0 {
		t.Fatalf("forbidden tool should never reach the backend, got %v", tools.calls)
	}
}

type restrictiveRoles struct {
	role delegate.AgentRole
}

func (r *restrictiveRoles) Get(name string) (delegate.AgentRole, error) { return r.role, nil }

func (r *restrictiveRoles) EffectiveTools(name string, available []delegate.ToolDescriptor) ([]delegate.ToolDescriptor, error) {
	return []delegate.ToolDescriptor{{Name: "builtin.read_file"}}, nil
}

func TestExecuteLoopLimitExceeded(t *testing.T) {
	call := `{"name":"builtin.read_file","arguments":{"path":"x.txt"}}`
	model := &fakeModel{responses: []string{call, call, call, call, call, call}}
	tools := &fakeTools{}
	role := baseRole()
	role.LoopLimit = 2
	roles := &fakeRoles{role: role}
	e := New(model, tools, roles, testPool(), baseCfg(), nil, zerolog.Nop())

	task := delegate.Task{ID: "t1", AgentType: "EXECUTOR", Description: "loop forever"}
	result := e.Execute(context.Background(), task, nil)

	if result.Status != delegate.TaskFailed || result.ErrorKind != delegate.ErrLoopLimit {
		t.Fatalf("want failed/loop_limit, got %s/%s", result.Status, result.ErrorKind)
	}
}

func TestExecuteEscalatesOnEmptyResponse(t *testing.T) {
	model := &fakeModel{responses: []string{"", ""}}
	tools := &fakeTools{}
	roles := &fakeRoles{role: baseRole()}
	cfg := baseCfg()
	cfg.Escalation.Enabled = true
	cfg.Escalation.FallbackModel = "fallback-model"
	pool := modelpool.New([]delegate.Endpoint{
		{URL: "http://fake", Model: "test-model", MaxConcurrent: 4},
		{URL: "http://fake-fallback", Model: "fallback-model", MaxConcurrent: 4},
	}, zerolog.Nop())
	e := New(model, tools, roles, pool, cfg, nil, zerolog.Nop())

	task := delegate.Task{ID: "t1", AgentType: "EXECUTOR", Description: "give an empty answer"}
	result := e.Execute(context.Background(), task, nil)

	// both the primary and fallback models return empty text via fakeModel, so the
	// escalation attempt is made (model.calls increases) but still ends failed.
	if model.calls < 4 {
		t.Fatalf("expected escalation to re-invoke the loop (at least 4 calls), got %d", model.calls)
	}
	if result.Status != delegate.TaskFailed || result.ErrorKind != delegate.ErrEmptyResponse {
		t.Fatalf("want failed/empty_response, got %s/%s", result.Status, result.ErrorKind)
	}
}

// recordingModel records the message slice it was called with on every Chat
// call, so a test can assert what history the escalation attempt actually saw.
type recordingModel struct {
	responses []string
	seen      [][]delegate.ChatMessage
}

func (f *recordingModel) Chat(ctx context.Context, model string, messages []delegate.ChatMessage, opts delegate.ChatOptions) (string, string, delegate.TokenUsage, error) {
	idx := len(f.seen)
	snapshot := append([]delegate.ChatMessage(nil), messages...)
	f.seen = append(f.seen, snapshot)
	if idx >= len(f.responses) {
		return f.responses[len(f.responses)-1], "stop", delegate.TokenUsage{}, nil
	}
	return f.responses[idx], "stop", delegate.TokenUsage{}, nil
}

func (f *recordingModel) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func TestEscalationContinuesSameMessageHistory(t *testing.T) {
	model := &recordingModel{responses: []string{
		`{"name":"builtin.read_file","arguments":{"path":"x.txt"}}`,
		"",
		"",
	}}
	tools := &fakeTools{}
	roles := &fakeRoles{role: baseRole()}
	cfg := baseCfg()
	cfg.Escalation.Enabled = true
	cfg.Escalation.FallbackModel = "fallback-model"
	pool := modelpool.New([]delegate.Endpoint{
		{URL: "http://fake", Model: "test-model", MaxConcurrent: 4},
		{URL: "http://fake-fallback", Model: "fallback-model", MaxConcurrent: 4},
	}, zerolog.Nop())
	e := New(model, tools, roles, pool, cfg, nil, zerolog.Nop())

	task := delegate.Task{ID: "t1", AgentType: "EXECUTOR", Description: "read then go quiet"}
	result := e.Execute(context.Background(), task, nil)

	if result.Status != delegate.TaskFailed || result.ErrorKind != delegate.ErrEmptyResponse {
		t.Fatalf("want failed/empty_response, got %s/%s", result.Status, result.ErrorKind)
	}
	if len(model.seen) < 3 {
		t.Fatalf("expected at least 3 model calls (1 tool-call turn + escalation), got %d", len(model.seen))
	}

	firstCallLen := len(model.seen[0])
	lastAttemptLen := len(model.seen[1]) // second call of the primary attempt, after the tool result was appended
	escalationCallLen := len(model.seen[len(model.seen)-1])

	if lastAttemptLen <= firstCallLen {
		t.Fatalf("expected message history to grow after the tool call: first=%d second=%d", firstCallLen, lastAttemptLen)
	}
	if escalationCallLen < lastAttemptLen {
		t.Fatalf("escalation call lost history from the primary attempt: primary=%d escalation=%d", lastAttemptLen, escalationCallLen)
	}
}

func TestDependencyBlockTruncatesLongResults(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxDependencyResultChars = 10
	cfg.MaxInjectedContextChars = 10
	e := New(nil, nil, nil, nil, cfg, nil, zerolog.Nop())

	task := delegate.Task{ID: "t2", Dependencies: []string{"dep1"}}
	deps := map[string]delegate.Task{
		"dep1": {ID: "dep1", Status: delegate.TaskCompleted, Result: "this is a much longer result than the cap allows"},
	}
	block := e.dependencyBlock(task, deps)
	if len(block) == 0 {
		t.Fatalf("expected non-empty dependency block")
	}
	if !containsTruncationMarker(block) {
		t.Fatalf("expected truncation marker in block: %q", block)
	}
}

func containsTruncationMarker(s string) bool {
	for i := 0; i+len("truncated") <= len(s); i++ {
		if s[i:i+len("truncated")] == "truncated" {
			return true
		}
	}
	return false
}
