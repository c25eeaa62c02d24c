// Command delegated runs the agent delegation engine as a standalone process: it
// wires every component (registry, tool backend, model pool, planner, scheduler,
// executor, aggregator) into one DelegationEngine and runs a one-shot query given
// with the -query flag, plus an optional status HTTP surface, following the usual
// load-config / build-dependencies / serve / graceful-shutdown command shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentoven/control-plane/internal/config"
	"github.com/agentoven/agentoven/control-plane/internal/delegate"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/aggregate"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/executor"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/modelpool"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/planner"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/registry"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/scheduler"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/tools"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/trace"
	"github.com/agentoven/agentoven/control-plane/internal/telemetry"
)

func main() {
	query := flag.String("query", "", "user query to delegate; if empty, only the status server is started")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.With().Timestamp().Logger()

	cfg := config.Load()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled: init failed")
		shutdownTelemetry = func(context.Context) error { return nil }
	}
	defer shutdownTelemetry(context.Background())

	reg, err := registry.Load(cfg.RolesDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.RolesDir).Msg("could not load agent roles")
	}

	workDir, err := os.Getwd()
	if err != nil {
		logger.Fatal().Err(err).Msg("could not determine working directory")
	}
	localFS, err := tools.NewLocalFS(workDir)
	if err != nil {
		logger.Fatal().Err(err).Str("root", workDir).Msg("could not open filesystem root")
	}
	backend := tools.NewBackend(localFS, shellRunner{}, nil, logger)

	endpoints := cfg.Engine.Endpoints
	if len(endpoints) == 0 {
		endpoints = []delegate.Endpoint{{URL: "http://localhost:11434", Model: cfg.Engine.PlannerModelID, MaxConcurrent: cfg.Engine.MaxParallelTasks}}
	}
	pool := modelpool.New(endpoints, logger)
	model := newOllamaClient(firstEndpointURL(endpoints))

	routingSink := delegate.NewSwitchableSink()

	plannerRole, err := reg.Get("PLANNER")
	plannerModelID := cfg.Engine.PlannerModelID
	plannerSystemPrompt := "You are the planning component of an agent delegation engine. Decompose the user's request into a DAG of tasks for specialist agents."
	if err == nil {
		if plannerModelID == "" {
			plannerModelID = plannerRole.ModelID
		}
		if plannerRole.SystemPrompt != "" {
			plannerSystemPrompt = plannerRole.SystemPrompt
		}
	}

	plan := planner.New(model, reg, backend, plannerModelID, plannerSystemPrompt, cfg.Engine.Planner, routingSink, logger)
	exec := executor.New(model, backend, reg, pool, cfg.Engine, routingSink, logger)
	sched := scheduler.New(cfg.Engine.MaxParallelTasks, cfg.Engine.CancelGracePeriod, routingSink, logger)
	agg := aggregate.New(reg, model, cfg.Engine.Aggregator, routingSink, logger)

	var traceFactory func() (delegate.TraceCloser, error)
	if cfg.Engine.Trace.Level != delegate.TraceOff {
		traceFactory = func() (delegate.TraceCloser, error) {
			return trace.New(cfg.Engine.Trace, logger)
		}
	}

	engine := delegate.New(plan, sched, exec, agg, routingSink, traceFactory, cfg.Engine, logger)

	runs := newRunRegistry(200)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: newStatusRouter(runs)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server stopped")
		}
	}()

	if *query != "" {
		runID := uuid.NewString()
		runs.start(runID, *query)
		final, outcomes, err := engine.Run(ctx, *query)
		if err != nil {
			logger.Error().Err(err).Msg("run failed")
		} else {
			runs.finish(runID, final, outcomes)
			fmt.Println(final)
		}
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("status server shutdown")
	}
}

func firstEndpointURL(endpoints []delegate.Endpoint) string {
	if len(endpoints) == 0 {
		return ""
	}
	return endpoints[0].URL
}
