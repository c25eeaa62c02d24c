// Package scheduler implements the DAG scheduler/executor: topological
// readiness tracking, wave-parallel dispatch bounded by max_parallel_tasks,
// transitive cancellation of a failed task's dependents, and external
// cancellation with a grace period. Each wave is dispatched concurrently via
// golang.org/x/sync/errgroup's SetLimit, then the ready set is rescanned; a
// failed task's dependents are walked transitively and marked cancelled before
// they are ever scanned as ready, rather than left to run or silently skipped.
// Once external cancellation is observed, Run never waits past cancelGrace for
// in-flight tasks to unwind on their own; any task still non-terminal when the
// grace period elapses is force-marked cancelled and Run returns immediately,
// leaving whichever executor goroutines are still running to finish detached.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// TaskExecutor is an alias for delegate.TaskExecutor: runs a single
// Task to completion given its direct dependencies' completed Tasks. Aliased
// (not re-declared) so *Scheduler satisfies delegate.TaskRunner exactly -- two
// distinct named interface types with identical method sets are still distinct
// types in Go, so a fresh declaration here would silently fail interface
// satisfaction in internal/delegate/engine.go.
type TaskExecutor = delegate.TaskExecutor

// Scheduler runs one Plan to completion against a TaskExecutor.
type Scheduler struct {
	maxParallel   int
	cancelGrace   time.Duration
	sink          delegate.TraceSink
	log           zerolog.Logger
}

// New constructs a Scheduler. maxParallel<=0 defaults to 4; a
// maxParallel of 1 is "sequential mode", semantics otherwise identical.
func New(maxParallel int, cancelGrace time.Duration, sink delegate.TraceSink, log zerolog.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if cancelGrace <= 0 {
		cancelGrace = 5 * time.Second
	}
	if sink == nil {
		sink = delegate.NoopTraceSink{}
	}
	return &Scheduler{
		maxParallel: maxParallel,
		cancelGrace: cancelGrace,
		sink:        sink,
		log:         log.With().Str("component", "scheduler").Logger(),
	}
}

// coordinator owns every task's mutable state for the duration of one Run. Every
// read or write to tasks/remaining happens on the goroutine that calls
// a coordinator method while holding mu — a single coordination point rather
// than scattered locking across the scheduler.
type coordinator struct {
	mu        sync.Mutex
	tasks     map[string]delegate.Task
	remaining map[string]int
	plan      *delegate.Plan
}

// Run executes plan to completion: every task reaches a terminal status
// (completed, failed, or cancelled), in dependency order, bounded by
// max_parallel_tasks. It always returns normally; the top-level Run only
// fails when a plan cannot be produced at all, which is the planner's
// concern, not the scheduler's.
func (s *Scheduler) Run(ctx context.Context, plan *delegate.Plan, exec TaskExecutor) []delegate.TaskOutcome {
	co := &coordinator{
		tasks:     make(map[string]delegate.Task, len(plan.Tasks)),
		remaining: make(map[string]int, len(plan.Tasks)),
		plan:      plan,
	}
	for _, t := range plan.Tasks {
		co.tasks[t.ID] = t
		co.remaining[t.ID] = len(t.Dependencies)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	externalCancel := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(externalCancel)
		case <-runCtx.Done():
		}
	}()

	// graceDeadline fires cancelGrace after external cancellation is first
	// observed; nil until then, so the select below blocks on it forever
	// (a nil channel is never ready) until armGrace starts the timer exactly
	// once.
	var graceDeadline <-chan time.Time
	graceArmed := false
	armGrace := func() {
		if !graceArmed {
			graceArmed = true
			graceDeadline = time.After(s.cancelGrace)
		}
	}

runLoop:
	for {
		co.mu.Lock()
		ready, pendingLeft := co.scanReady()
		co.mu.Unlock()

		select {
		case <-externalCancel:
			armGrace()
			s.cancelRemaining(co, delegate.ErrCancelled, "")
		default:
		}

		if len(ready) == 0 {
			if pendingLeft == 0 {
				break
			}
			// A valid, acyclic Plan can never leave pending tasks stranded
			// here: failure propagation marks dependents cancelled synchronously
			// within the wave that fails them, before this scan ever runs
			// again. Reaching this branch means the invariant was violated
			// upstream (the validator let a bad plan through) — fail safe by
			// cancelling everything still outstanding instead of spinning.
			s.log.Error().Int("pending", pendingLeft).Msg("scheduler: no ready tasks but pending remain; cancelling stranded tasks")
			s.cancelRemaining(co, delegate.ErrInvalidPlan, "no task became ready; dependency graph left tasks stranded")
			break
		}

		for _, id := range ready {
			co.mu.Lock()
			t := co.tasks[id]
			t.Status = delegate.TaskReady
			co.tasks[id] = t
			co.mu.Unlock()
			s.sink.Emit(delegate.TraceEvent{Type: delegate.EvTaskReady, TaskID: id, Role: t.AgentType})
		}

		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(s.maxParallel)
		waveDone := make(chan struct{})
		go func() {
			for _, id := range ready {
				id := id
				g.Go(func() error {
					s.runTask(gctx, co, exec, id)
					return nil
				})
			}
			_ = g.Wait()
			close(waveDone)
		}()

		// Watch for external cancellation while the wave is in flight, so the
		// grace timer starts when cancellation happens, not when the wave ends.
		cancelSeen := externalCancel
	waitWave:
		for {
			select {
			case <-waveDone:
				break waitWave
			case <-cancelSeen:
				armGrace()
				cancelSeen = nil
			case <-graceDeadline:
				s.log.Warn().Dur("grace", s.cancelGrace).Msg("scheduler: cancellation grace period elapsed; returning without waiting for in-flight tasks")
				s.forceCancelNonTerminal(co, "cancellation grace period elapsed")
				break runLoop
			}
		}

		select {
		case <-externalCancel:
			armGrace()
			s.cancelRemaining(co, delegate.ErrCancelled, "")
		default:
		}
	}

	co.mu.Lock()
	outcomes := make([]delegate.TaskOutcome, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		final := co.tasks[t.ID]
		outcomes = append(outcomes, delegate.TaskOutcome{
			ID:         final.ID,
			Role:       final.AgentType,
			Status:     final.Status,
			Result:     final.Result,
			ErrorKind:  final.ErrorKind,
			ErrorMsg:   final.ErrorMsg,
			DurationMs: durationMs(final),
		})
	}
	co.mu.Unlock()
	return outcomes
}

func durationMs(t delegate.Task) int64 {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt).Milliseconds()
}

// scanReady returns pending tasks with zero remaining deps, and the count of all
// tasks still in a non-terminal (pending, ready or running) state. It does not
// lock; callers must hold co.mu, as Run does with its own lock/unlock pair above.
func (co *coordinator) scanReady() (ready []string, pendingLeft int) {
	for id, t := range co.tasks {
		switch t.Status {
		case delegate.TaskPending:
			pendingLeft++
			if co.remaining[id] == 0 {
				ready = append(ready, id)
			}
		case delegate.TaskReady, delegate.TaskRunning:
			pendingLeft++
		}
	}
	return ready, pendingLeft
}

// runTask executes one ready task and applies its outcome to shared state,
// including transitive cancellation of dependents on failure. This is the only
// place a task moves from "ready" to "running"; the cancellation paths move
// ready tasks straight to "cancelled".
func (s *Scheduler) runTask(ctx context.Context, co *coordinator, exec TaskExecutor, id string) {
	co.mu.Lock()
	t := co.tasks[id]
	deps := make(map[string]delegate.Task, len(t.Dependencies))
	for _, depID := range t.Dependencies {
		deps[depID] = co.tasks[depID]
	}
	t.Status = delegate.TaskRunning
	t.StartedAt = time.Now()
	co.tasks[id] = t
	co.mu.Unlock()

	s.sink.Emit(delegate.TraceEvent{Type: delegate.EvTaskStart, TaskID: id, Role: t.AgentType})

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := exec.Execute(taskCtx, t, deps)
	result.EndedAt = time.Now()
	if result.StartedAt.IsZero() {
		result.StartedAt = t.StartedAt
	}

	co.mu.Lock()
	co.tasks[id] = result
	co.mu.Unlock()

	s.sink.Emit(delegate.TraceEvent{Type: delegate.EvTaskEnd, TaskID: id, Role: t.AgentType, Data: map[string]any{
		"status": string(result.Status), "error_kind": string(result.ErrorKind),
	}})

	if result.Status == delegate.TaskCompleted {
		s.satisfyDependents(co, id)
		return
	}
	if result.Status == delegate.TaskFailed {
		s.cancelDependents(co, id, id)
	}
}

// satisfyDependents decrements remaining_deps for every task that lists id as a
// dependency,  "On success".
func (s *Scheduler) satisfyDependents(co *coordinator, id string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, depID := range co.plan.Dependents(id) {
		co.remaining[depID]--
	}
}

// cancelDependents marks every transitive dependent of a failed task as
// cancelled with ErrUpstreamFailed, without ever running them.
func (s *Scheduler) cancelDependents(co *coordinator, failedID, ancestorID string) {
	co.mu.Lock()
	direct := co.plan.Dependents(failedID)
	toCancel := make([]string, 0, len(direct))
	for _, depID := range direct {
		t := co.tasks[depID]
		if t.Status == delegate.TaskPending || t.Status == delegate.TaskReady {
			t.Status = delegate.TaskCancelled
			t.ErrorKind = delegate.ErrUpstreamFailed
			t.ErrorMsg = "dependency " + ancestorID + " failed"
			t.EndedAt = time.Now()
			co.tasks[depID] = t
			toCancel = append(toCancel, depID)
		}
	}
	co.mu.Unlock()

	for _, depID := range toCancel {
		s.sink.Emit(delegate.TraceEvent{Type: delegate.EvTaskEnd, TaskID: depID, Data: map[string]any{
			"status": string(delegate.TaskCancelled), "error_kind": string(delegate.ErrUpstreamFailed), "ancestor": ancestorID,
		}})
		s.cancelDependents(co, depID, ancestorID)
	}
}

// cancelRemaining marks every pending/ready (not yet dispatched) task
// cancelled with the given kind on external cancellation. It deliberately
// leaves TaskRunning tasks alone: those are still racing against runCtx's
// cancellation inside the current wave's errgroup, which Run's waveDone/
// graceDeadline select bounds to at most cancelGrace; forceCancelNonTerminal
// is what steps in if that grace period actually elapses.
func (s *Scheduler) cancelRemaining(co *coordinator, kind delegate.ErrorKind, msg string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for id, t := range co.tasks {
		if t.Status == delegate.TaskPending || t.Status == delegate.TaskReady {
			t.Status = delegate.TaskCancelled
			t.ErrorKind = kind
			t.ErrorMsg = msg
			if t.ErrorMsg == "" {
				t.ErrorMsg = "run cancelled"
			}
			t.EndedAt = time.Now()
			co.tasks[id] = t
		}
	}
}

// forceCancelNonTerminal marks every task that is not yet terminal --
// including ones still TaskRunning -- cancelled with ErrCancelled. Called
// only once cancelGrace has elapsed after external cancellation: Run stops
// waiting on the current wave's errgroup and returns immediately, so any
// executor goroutine still in flight is left to finish detached (it holds no
// reference anyone reads after Run returns; its eventual write to co.tasks,
// if any, is harmless and unobserved).
func (s *Scheduler) forceCancelNonTerminal(co *coordinator, msg string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for id, t := range co.tasks {
		switch t.Status {
		case delegate.TaskPending, delegate.TaskReady, delegate.TaskRunning:
			t.Status = delegate.TaskCancelled
			t.ErrorKind = delegate.ErrCancelled
			t.ErrorMsg = msg
			t.EndedAt = time.Now()
			co.tasks[id] = t
		}
	}
}
