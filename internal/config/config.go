// Package config is the ambient env-var-driven loader for cmd/delegated.
// DelegationEngine itself never reads the environment; only this package and cmd/delegated do, translating the result into
// the engine's own immutable delegate.Config.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// Config holds every env-driven setting cmd/delegated needs: the engine's own
// construction struct plus the ambient operational concerns (telemetry, the
// optional status HTTP surface, and where role/trace files live on disk).
type Config struct {
	Port int

	RolesDir string

	Engine delegate.Config

	Telemetry TelemetryConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults
// matching delegate.DefaultConfig's documented defaults.
func Load() *Config {
	engineCfg := delegate.DefaultConfig()
	engineCfg.PlannerModelID = envStr("DELEGATE_PLANNER_MODEL", "")
	engineCfg.FallbackModelID = envStr("DELEGATE_FALLBACK_MODEL", "")
	engineCfg.MaxParallelTasks = envInt("DELEGATE_MAX_PARALLEL_TASKS", engineCfg.MaxParallelTasks)
	engineCfg.SequentialMode = envBool("DELEGATE_SEQUENTIAL_MODE", false)
	if engineCfg.SequentialMode {
		engineCfg.MaxParallelTasks = 1
	}
	engineCfg.Endpoints = parseEndpoints(envStr("DELEGATE_ENDPOINTS", ""))
	engineCfg.ModelCallTimeout = envDuration("DELEGATE_MODEL_CALL_TIMEOUT", engineCfg.ModelCallTimeout)
	engineCfg.PoolAcquireTimeout = envDuration("DELEGATE_POOL_ACQUIRE_TIMEOUT", engineCfg.PoolAcquireTimeout)
	engineCfg.TaskTimeout = envDuration("DELEGATE_TASK_TIMEOUT", engineCfg.TaskTimeout)
	engineCfg.CancelGracePeriod = envDuration("DELEGATE_CANCEL_GRACE_PERIOD", engineCfg.CancelGracePeriod)

	engineCfg.Trace.Level = delegate.TraceLevel(envStr("DELEGATE_TRACE_LEVEL", string(engineCfg.Trace.Level)))
	engineCfg.Trace.Dir = envStr("DELEGATE_TRACE_DIR", engineCfg.Trace.Dir)
	engineCfg.Trace.TruncateChars = envInt("DELEGATE_TRACE_TRUNCATE_CHARS", engineCfg.Trace.TruncateChars)

	engineCfg.Planner.MaxExamples = envInt("DELEGATE_PLANNER_MAX_EXAMPLES", engineCfg.Planner.MaxExamples)

	engineCfg.Aggregator.UseLLM = envBool("DELEGATE_AGGREGATOR_USE_LLM", engineCfg.Aggregator.UseLLM)
	engineCfg.Aggregator.MaxInputChars = envInt("DELEGATE_AGGREGATOR_MAX_INPUT_CHARS", engineCfg.Aggregator.MaxInputChars)
	engineCfg.Aggregator.AggregatorRole = envStr("DELEGATE_AGGREGATOR_ROLE", "AGGREGATOR")
	engineCfg.Aggregator.FilterExpr = envStr("DELEGATE_AGGREGATOR_FILTER_EXPR", "")

	engineCfg.Escalation.FallbackModel = engineCfg.FallbackModelID
	engineCfg.Escalation.Enabled = envBool("DELEGATE_ESCALATION_ENABLED", engineCfg.FallbackModelID != "")

	engineCfg.MaxDependencyResultChars = envInt("DELEGATE_MAX_DEPENDENCY_RESULT_CHARS", engineCfg.MaxDependencyResultChars)
	engineCfg.MaxInjectedContextChars = envInt("DELEGATE_MAX_INJECTED_CONTEXT_CHARS", engineCfg.MaxInjectedContextChars)

	return &Config{
		Port:     envInt("DELEGATE_STATUS_PORT", 8080),
		RolesDir: envStr("DELEGATE_ROLES_DIR", "roles"),
		Engine:   engineCfg,
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agent-delegation-engine"),
		},
	}
}

// parseEndpoints reads a "url=model:concurrency,..." list, e.g.
// "http://localhost:11434=llama3:2,http://localhost:11435=llama3:3".
func parseEndpoints(spec string) []delegate.Endpoint {
	if spec == "" {
		return nil
	}
	var out []delegate.Endpoint
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		urlModel := strings.SplitN(part, "=", 2)
		if len(urlModel) != 2 {
			continue
		}
		modelConc := strings.SplitN(urlModel[1], ":", 2)
		ep := delegate.Endpoint{URL: urlModel[0], Model: modelConc[0], MaxConcurrent: 2}
		if len(modelConc) == 2 {
			if n, err := strconv.Atoi(modelConc[1]); err == nil {
				ep.MaxConcurrent = n
			}
		}
		out = append(out, ep)
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
