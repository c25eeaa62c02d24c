package modelpool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/modelpool"
)

func TestAcquireReleaseRespectsCap(t *testing.T) {
	pool := modelpool.New([]delegate.Endpoint{
		{URL: "http://a", Model: "llama3", MaxConcurrent: 2},
	}, zerolog.Nop())

	ctx := context.Background()
	s1, err := pool.Acquire(ctx, "llama3", time.Second)
	if err != nil {
		t.Fatalf("Acquire 1 error = %v", err)
	}
	s2, err := pool.Acquire(ctx, "llama3", time.Second)
	if err != nil {
		t.Fatalf("Acquire 2 error = %v", err)
	}

	// Cap is 2; a third acquire must block until one is released.
	acquired := make(chan struct{})
	go func() {
		s3, err := pool.Acquire(ctx, "llama3", 2*time.Second)
		if err != nil {
			t.Errorf("Acquire 3 error = %v", err)
			return
		}
		pool.Release(s3)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire succeeded before any Release")
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(s1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third Acquire did not unblock after Release")
	}

	pool.Release(s2)

	stats := pool.Stats()
	if stats.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0 after all released", stats.InFlight)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	pool := modelpool.New([]delegate.Endpoint{
		{URL: "http://a", Model: "llama3", MaxConcurrent: 1},
	}, zerolog.Nop())

	ctx := context.Background()
	slot, err := pool.Acquire(ctx, "llama3", time.Second)
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	defer pool.Release(slot)

	_, err = pool.Acquire(ctx, "llama3", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected ErrPoolTimeout, got nil")
	}
	te, ok := err.(*delegate.TaskError)
	if !ok || te.Kind != delegate.ErrPoolTimeout {
		t.Errorf("error = %v, want ErrPoolTimeout", err)
	}
}

func TestLeastLoadedSelection(t *testing.T) {
	pool := modelpool.New([]delegate.Endpoint{
		{URL: "http://a", Model: "m", MaxConcurrent: 3},
		{URL: "http://b", Model: "m", MaxConcurrent: 3},
	}, zerolog.Nop())

	ctx := context.Background()
	s1, _ := pool.Acquire(ctx, "m", time.Second)
	if s1.URL != "http://a" {
		t.Fatalf("first acquire picked %q, want http://a (order tiebreak)", s1.URL)
	}
	s2, _ := pool.Acquire(ctx, "m", time.Second)
	if s2.URL != "http://b" {
		t.Fatalf("second acquire picked %q, want http://b (least loaded)", s2.URL)
	}
	pool.Release(s1)
	pool.Release(s2)
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	pool := modelpool.New([]delegate.Endpoint{
		{URL: "http://a", Model: "m", MaxConcurrent: 2},
	}, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := 0
	current := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := pool.Acquire(ctx, "m", 2*time.Second)
			if err != nil {
				t.Errorf("Acquire error = %v", err)
				return
			}
			mu.Lock()
			current++
			if current > maxObserved {
				maxObserved = current
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
			pool.Release(slot)
		}()
	}
	wg.Wait()

	if maxObserved > 2 {
		t.Errorf("observed %d concurrent in-flight, want <= 2", maxObserved)
	}
}
