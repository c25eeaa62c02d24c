package delegate

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type fakePlanner struct {
	plan *Plan
	err  error
}

func (f *fakePlanner) Plan(ctx context.Context, query string) (*Plan, error) {
	return f.plan, f.err
}

type fakeRunner struct {
	outcomes []TaskOutcome
	sawPlan  *Plan
}

func (f *fakeRunner) Run(ctx context.Context, plan *Plan, exec TaskExecutor) []TaskOutcome {
	f.sawPlan = plan
	return f.outcomes
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, task Task, deps map[string]Task) Task { return task }

type fakeAggregator struct {
	result string
	saw    []TaskOutcome
}

func (f *fakeAggregator) Aggregate(ctx context.Context, outcomes []TaskOutcome) string {
	f.saw = outcomes
	return f.result
}

type recordingTrace struct {
	events []TraceEvent
	closed bool
}

func (r *recordingTrace) Emit(ev TraceEvent) { r.events = append(r.events, ev) }
func (r *recordingTrace) Close() error        { r.closed = true; return nil }

func TestEngineRunReturnsAggregatedResult(t *testing.T) {
	plan := &Plan{Tasks: []Task{{ID: "t1", AgentType: "EXECUTOR"}}}
	outcomes := []TaskOutcome{{ID: "t1", Status: TaskCompleted, Result: "done"}}

	planner := &fakePlanner{plan: plan}
	runner := &fakeRunner{outcomes: outcomes}
	agg := &fakeAggregator{result: "final answer"}

	e := New(planner, runner, noopExecutor{}, agg, nil, nil, DefaultConfig(), zerolog.Nop())

	final, got, err := e.Run(context.Background(), "do something")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final != "final answer" {
		t.Fatalf("want aggregated result, got %q", final)
	}
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("unexpected outcomes: %+v", got)
	}
	if runner.sawPlan != plan {
		t.Fatalf("runner did not receive the planner's plan")
	}
	if len(agg.saw) != 1 {
		t.Fatalf("aggregator did not receive the runner's outcomes")
	}
}

func TestEngineRunPropagatesPlannerError(t *testing.T) {
	planner := &fakePlanner{err: errors.New("planning exploded")}
	runner := &fakeRunner{}
	agg := &fakeAggregator{}

	e := New(planner, runner, noopExecutor{}, agg, nil, nil, DefaultConfig(), zerolog.Nop())

	_, _, err := e.Run(context.Background(), "do something")
	if err == nil {
		t.Fatal("expected an error when planning fails")
	}
	if runner.sawPlan != nil {
		t.Fatalf("scheduler should never run when planning failed")
	}
}

func TestEngineRunRoutesTraceThenResetsToNoop(t *testing.T) {
	plan := &Plan{Tasks: []Task{{ID: "t1"}}}
	planner := &fakePlanner{plan: plan}
	runner := &fakeRunner{outcomes: []TaskOutcome{{ID: "t1", Status: TaskCompleted}}}
	agg := &fakeAggregator{result: "ok"}

	sink := NewSwitchableSink()
	trace := &recordingTrace{}
	factory := func() (TraceCloser, error) { return trace, nil }

	e := New(planner, runner, noopExecutor{}, agg, sink, factory, DefaultConfig(), zerolog.Nop())

	sink.Emit(TraceEvent{Type: EvRunSummary, TaskID: "before"})
	if len(trace.events) != 0 {
		t.Fatalf("sink should be a no-op before Run starts, got %d events", len(trace.events))
	}

	if _, _, err := e.Run(context.Background(), "do something"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !trace.closed {
		t.Fatal("expected the session trace logger to be closed at the end of Run")
	}

	sink.Emit(TraceEvent{Type: EvRunSummary, TaskID: "after"})
	if len(trace.events) != 0 {
		t.Fatalf("sink should be routed back to no-op after Run returns, got %d events", len(trace.events))
	}
}
