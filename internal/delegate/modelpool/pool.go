// Package modelpool implements the ModelPool component: N endpoints x
// per-endpoint concurrency, blocking acquire/release with a configurable
// timeout. One mutex + sync.Cond guards the in-flight counts of every endpoint,
// a weighted-semaphore shape generalized from one resource to a set of named
// endpoints competing for the same model id.
package modelpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

type endpointState struct {
	cfg     delegate.Endpoint
	current int
	order   int
}

// Pool manages a fixed set of endpoints, each with its own concurrency cap. A
// single mutex/cond guards every endpoint's in-flight count so Acquire can wake on
// capacity freed on *any* eligible endpoint, not just one.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond
	eps  []*endpointState
	log  zerolog.Logger

	acquired int64
	released int64
	timedOut int64
}

// New constructs a Pool from the configured endpoint list. Order is preserved for
// tie-breaking among equally-loaded endpoints.
func New(endpoints []delegate.Endpoint, log zerolog.Logger) *Pool {
	p := &Pool{log: log.With().Str("component", "modelpool").Logger()}
	p.cond = sync.NewCond(&p.mu)
	for i, e := range endpoints {
		if e.MaxConcurrent <= 0 {
			e.MaxConcurrent = 2
		}
		p.eps = append(p.eps, &endpointState{cfg: e, order: i})
	}
	return p
}

// Slot represents one acquired unit of endpoint capacity. Callers must Release it
// exactly once.
type Slot struct {
	pool *Pool
	ep   *endpointState
	URL  string
	Model string
}

// Acquire blocks until an endpoint serving model has free capacity, or until
// timeout elapses, in which case it returns ErrPoolTimeout. Selection among
// eligible endpoints is least-loaded first, ties broken by configured order.
func (p *Pool) Acquire(ctx context.Context, model string, timeout time.Duration) (*Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	var cancelled bool
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			cancelled = true
			p.mu.Unlock()
			p.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if cancelled {
			p.timedOut++
			if ctx.Err() == context.DeadlineExceeded {
				return nil, delegate.NewTaskError(delegate.ErrPoolTimeout, "modelpool", "timed out waiting for endpoint capacity", ctx.Err(), "model", model)
			}
			return nil, delegate.NewTaskError(delegate.ErrCancelled, "modelpool", "cancelled while waiting for endpoint capacity", ctx.Err(), "model", model)
		}
		if ep := p.pickEligible(model); ep != nil {
			ep.current++
			p.acquired++
			return &Slot{pool: p, ep: ep, URL: ep.cfg.URL, Model: ep.cfg.Model}, nil
		}
		p.cond.Wait()
	}
}

// pickEligible returns the least-loaded endpoint serving model with free capacity,
// or nil. Must be called with p.mu held.
func (p *Pool) pickEligible(model string) *endpointState {
	var candidates []*endpointState
	for _, ep := range p.eps {
		if ep.cfg.Model == model && ep.current < ep.cfg.MaxConcurrent {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].current, candidates[j].current
		if li != lj {
			return li < lj
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0]
}

// Release returns the slot's capacity to its endpoint and wakes any waiters.
func (p *Pool) Release(slot *Slot) {
	if slot == nil {
		return
	}
	p.mu.Lock()
	if slot.ep.current > 0 {
		slot.ep.current--
	}
	p.released++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Stats reports current pool occupancy, used by trace summaries and tests.
type Stats struct {
	Acquired int64
	Released int64
	TimedOut int64
	InFlight int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inFlight := 0
	for _, ep := range p.eps {
		inFlight += ep.current
	}
	return Stats{Acquired: p.acquired, Released: p.released, TimedOut: p.timedOut, InFlight: inFlight}
}
