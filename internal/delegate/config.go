package delegate

import "time"

// Endpoint is one ModelPool-managed destination: a URL, the model it serves, and its
// concurrency cap.
type Endpoint struct {
	URL           string
	Model         string
	MaxConcurrent int
}

// TraceLevel controls which event types TraceLogger records and how large their
// payloads may be.
type TraceLevel string

const (
	TraceOff     TraceLevel = "off"
	TraceSummary TraceLevel = "summary"
	TraceBasic   TraceLevel = "basic"
	TraceFull    TraceLevel = "full"
	TraceDebug   TraceLevel = "debug"
)

// TraceConfig configures the TraceLogger.
type TraceConfig struct {
	Level         TraceLevel
	Dir           string
	TruncateChars int
}

// PlannerConfig configures Planner prompt assembly and retry.
type PlannerConfig struct {
	MaxExamples int
}

// AggregatorConfig configures the Aggregator.
type AggregatorConfig struct {
	UseLLM         bool
	MaxInputChars  int
	AggregatorRole string

	// FilterExpr, when set, is an expr-lang/expr boolean expression evaluated
	// against each outcome (env: id, role, status) to decide whether it is
	// included in the optional LLM rewrite prompt. Empty means include everything.
	// Has no effect on the plain concatenation, which always lists every task.
	FilterExpr string
}

// EscalationConfig configures the optional fallback-model retry in AgentExecutor.
type EscalationConfig struct {
	Enabled        bool
	FallbackModel  string
}

// Config is the engine's single immutable construction struct. Nothing in
// the engine reads the environment directly; only internal/config (the ambient
// env-var loader) and cmd/delegated do, translating into this struct.
type Config struct {
	PlannerModelID  string
	FallbackModelID string

	MaxParallelTasks int
	SequentialMode   bool

	Endpoints []Endpoint

	ModelCallTimeout   time.Duration
	PoolAcquireTimeout time.Duration
	TaskTimeout        time.Duration
	CancelGracePeriod  time.Duration

	Trace       TraceConfig
	Planner     PlannerConfig
	Aggregator  AggregatorConfig
	Escalation  EscalationConfig

	// MaxDependencyResultChars caps injected per-dependency result text in an
	// AgentExecutor prompt; MaxInjectedContextChars caps the sum across all
	// dependencies (Open Question #1, see DESIGN.md).
	MaxDependencyResultChars int
	MaxInjectedContextChars  int
}

// DefaultConfig returns the engine's documented default construction values.
func DefaultConfig() Config {
	return Config{
		MaxParallelTasks:   4,
		ModelCallTimeout:   180 * time.Second,
		PoolAcquireTimeout: 300 * time.Second,
		TaskTimeout:        600 * time.Second,
		CancelGracePeriod:  5 * time.Second,
		Trace: TraceConfig{
			Level:         TraceBasic,
			Dir:           ".trace",
			TruncateChars: 500,
		},
		Planner: PlannerConfig{MaxExamples: 2},
		Aggregator: AggregatorConfig{
			UseLLM:        false,
			MaxInputChars: 8000,
		},
		Escalation:               EscalationConfig{Enabled: false},
		MaxDependencyResultChars: 2000,
		MaxInjectedContextChars:  6000,
	}
}
