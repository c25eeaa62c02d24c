package aggregate

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

type fakeRoles struct {
	roles map[string]delegate.AgentRole
}

func (f *fakeRoles) Get(name string) (delegate.AgentRole, error) {
	r, ok := f.roles[name]
	if !ok {
		return delegate.AgentRole{}, delegate.NewTaskError(delegate.ErrUnknownRole, "registry", "unknown role", nil)
	}
	return r, nil
}

type fakeModel struct {
	text string
	err  error
}

func (f *fakeModel) Chat(ctx context.Context, model string, messages []delegate.ChatMessage, opts delegate.ChatOptions) (string, string, delegate.TokenUsage, error) {
	if f.err != nil {
		return "", "", delegate.TokenUsage{}, f.err
	}
	return f.text, "stop", delegate.TokenUsage{}, nil
}

func (f *fakeModel) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func sampleOutcomes() []delegate.TaskOutcome {
	return []delegate.TaskOutcome{
		{ID: "task_1", Role: "READER", Status: delegate.TaskCompleted, Result: "found 3 files"},
		{ID: "task_2", Role: "WRITER", Status: delegate.TaskFailed, ErrorKind: delegate.ErrToolFailed, ErrorMsg: "disk full"},
	}
}

func TestAggregatePlainConcatenationListsEveryTask(t *testing.T) {
	roles := &fakeRoles{roles: map[string]delegate.AgentRole{
		"READER": {Name: "READER", Emoji: "📖"},
		"WRITER": {Name: "WRITER"},
	}}
	cfg := delegate.AggregatorConfig{UseLLM: false}
	a := New(roles, nil, cfg, nil, zerolog.Nop())

	out := a.Aggregate(context.Background(), sampleOutcomes())

	if !strings.Contains(out, "task_1") || !strings.Contains(out, "task_2") {
		t.Fatalf("expected both task ids in output, got: %s", out)
	}
	if !strings.Contains(out, "found 3 files") {
		t.Fatalf("expected completed task's result present, got: %s", out)
	}
	if !strings.Contains(out, "disk full") {
		t.Fatalf("expected failed task's error message present, got: %s", out)
	}
	if !strings.Contains(out, "1/2 tasks completed") {
		t.Fatalf("expected summary line, got: %s", out)
	}
	if !strings.Contains(out, "📖") {
		t.Fatalf("expected role emoji in output, got: %s", out)
	}
}

func TestAggregateLLMRewriteUsesAggregatorRole(t *testing.T) {
	roles := &fakeRoles{roles: map[string]delegate.AgentRole{
		"READER":     {Name: "READER"},
		"WRITER":     {Name: "WRITER"},
		"AGGREGATOR": {Name: "AGGREGATOR", ModelID: "agg-model", SystemPrompt: "rewrite please"},
	}}
	model := &fakeModel{text: "a single coherent summary"}
	cfg := delegate.AggregatorConfig{UseLLM: true, AggregatorRole: "AGGREGATOR", MaxInputChars: 4000}
	a := New(roles, model, cfg, nil, zerolog.Nop())

	out := a.Aggregate(context.Background(), sampleOutcomes())
	if out != "a single coherent summary" {
		t.Fatalf("want LLM rewrite text, got: %s", out)
	}
}

func TestAggregateLLMRewriteFallsBackOnModelError(t *testing.T) {
	roles := &fakeRoles{roles: map[string]delegate.AgentRole{
		"AGGREGATOR": {Name: "AGGREGATOR", ModelID: "agg-model"},
	}}
	model := &fakeModel{err: context.DeadlineExceeded}
	cfg := delegate.AggregatorConfig{UseLLM: true, AggregatorRole: "AGGREGATOR"}
	a := New(roles, model, cfg, nil, zerolog.Nop())

	out := a.Aggregate(context.Background(), sampleOutcomes())
	if !strings.Contains(out, "task_1") {
		t.Fatalf("want fallback to plain concatenation on model error, got: %s", out)
	}
}

func TestAggregateFilterExprNarrowsRewriteInput(t *testing.T) {
	roles := &fakeRoles{roles: map[string]delegate.AgentRole{
		"AGGREGATOR": {Name: "AGGREGATOR", ModelID: "agg-model"},
	}}
	var seenPrompt string
	model := &recordingModel{onChat: func(messages []delegate.ChatMessage) {
		seenPrompt = messages[len(messages)-1].Content
	}, text: "rewritten"}
	cfg := delegate.AggregatorConfig{UseLLM: true, AggregatorRole: "AGGREGATOR", FilterExpr: `status == "failed"`}
	a := New(roles, model, cfg, nil, zerolog.Nop())

	a.Aggregate(context.Background(), sampleOutcomes())

	if strings.Contains(seenPrompt, "task_1") {
		t.Fatalf("expected completed task_1 filtered out of rewrite prompt, got: %s", seenPrompt)
	}
	if !strings.Contains(seenPrompt, "task_2") {
		t.Fatalf("expected failed task_2 present in rewrite prompt, got: %s", seenPrompt)
	}
}

type recordingModel struct {
	onChat func(messages []delegate.ChatMessage)
	text   string
}

func (r *recordingModel) Chat(ctx context.Context, model string, messages []delegate.ChatMessage, opts delegate.ChatOptions) (string, string, delegate.TokenUsage, error) {
	if r.onChat != nil {
		r.onChat(messages)
	}
	return r.text, "stop", delegate.TokenUsage{}, nil
}

func (r *recordingModel) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
