package delegate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Planner produces a validated Plan for a user query; implemented by
// internal/delegate/planner.Planner. Declared here, not imported, so the engine
// can depend on it without planner importing delegate's own engine.go back.
type Planner interface {
	Plan(ctx context.Context, query string) (*Plan, error)
}

// TaskRunner runs one Plan to completion and returns every task's outcome
//; implemented by internal/delegate/scheduler.Scheduler.
type TaskRunner interface {
	Run(ctx context.Context, plan *Plan, exec TaskExecutor) []TaskOutcome
}

// TaskExecutor runs a single Task to completion; implemented by
// internal/delegate/executor.Executor. Mirrors scheduler.TaskExecutor's shape so
// the engine can pass an executor.Executor straight through to a scheduler.Scheduler
// without either package importing the other.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task, deps map[string]Task) Task
}

// ResponseAggregator composes the final user-facing text from task outcomes
//; implemented by internal/delegate/aggregate.Aggregator.
type ResponseAggregator interface {
	Aggregate(ctx context.Context, outcomes []TaskOutcome) string
}

// TraceCloser is the subset of trace.Logger the engine needs beyond TraceSink:
// flushing the terminal run_summary event at the end of a Run.
type TraceCloser interface {
	TraceSink
	Close() error
}

// DelegationEngine wires the Planner, Scheduler (via TaskRunner+TaskExecutor),
// and Aggregator into a single Run entry point. It holds no mutable
// process-wide state of its own; the one exception is routingSink, which
// exists precisely because TraceLogger is session-scoped while every other
// component is constructed once and reused across calls to Run.
type DelegationEngine struct {
	planner    Planner
	runner     TaskRunner
	executor   TaskExecutor
	aggregator ResponseAggregator

	routingSink  *SwitchableSink
	traceFactory func() (TraceCloser, error)
	cfg          Config
	log          zerolog.Logger
}

// New constructs a DelegationEngine from its already-wired collaborators. Every
// collaborator must have been constructed with routingSink as its TraceSink (the
// same *SwitchableSink passed here) so that Run can point it at a fresh
// session-scoped trace.Logger without reconstructing the collaborators.
// traceFactory may be nil, in which case Run never writes a trace file and
// routingSink stays pointed at a NoopTraceSink throughout.
func New(planner Planner, runner TaskRunner, executor TaskExecutor, aggregator ResponseAggregator, routingSink *SwitchableSink, traceFactory func() (TraceCloser, error), cfg Config, log zerolog.Logger) *DelegationEngine {
	return &DelegationEngine{
		planner:      planner,
		runner:       runner,
		executor:     executor,
		aggregator:   aggregator,
		routingSink:  routingSink,
		traceFactory: traceFactory,
		cfg:          cfg,
		log:          log.With().Str("component", "engine").Logger(),
	}
}

// Run is the engine's single entry point: plan the query, execute the
// resulting DAG, and aggregate the outcomes into a final response. ctx carries the
// external cancellation token. Run returns a non-nil error only when no
// plan could be produced at all, which the planner's one-retry-then-
// single-task-fallback policy makes effectively unreachable; a non-nil error here
// signals an infrastructure fault (e.g. the trace file could not be opened), not a
// business failure, which is always reported through the TaskOutcome list instead.
func (e *DelegationEngine) Run(ctx context.Context, query string) (string, []TaskOutcome, error) {
	var sink TraceCloser
	if e.traceFactory != nil {
		var err error
		sink, err = e.traceFactory()
		if err != nil {
			return "", nil, fmt.Errorf("engine: could not start trace logger: %w", err)
		}
		if e.routingSink != nil {
			e.routingSink.Set(sink)
			defer e.routingSink.Set(nil)
		}
		defer sink.Close()
	}

	plan, err := e.planner.Plan(ctx, query)
	if err != nil {
		return "", nil, fmt.Errorf("engine: planning failed: %w", err)
	}

	start := time.Now()
	outcomes := e.runner.Run(ctx, plan, e.executor)
	e.log.Info().
		Int("tasks", len(outcomes)).
		Dur("elapsed", time.Since(start)).
		Msg("run complete")

	final := e.aggregator.Aggregate(ctx, outcomes)
	return final, outcomes, nil
}
