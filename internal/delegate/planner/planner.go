// Package planner implements the Planner component: prompt assembly
// from the agent and tool catalogs plus few-shot examples, plan parsing,
// validation, and the one-retry-then-fallback policy. The tool catalog
// truncates past a fixed size the same way a single agent's tool list does,
// generalized from "tool list for one agent" to "tool catalog for the whole
// planning prompt".
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
	"github.com/agentoven/agentoven/control-plane/internal/delegate/toolcall"
)

// RoleCatalog is the narrow slice of AgentRegistry the planner needs: enumerate
// roles and read their descriptions/hints.
type RoleCatalog interface {
	Roles() []string
	Get(name string) (delegate.AgentRole, error)
}

// RawTask mirrors the plan wire format before validation.
type RawTask struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	AgentType      string   `json:"agent_type"`
	Dependencies   []string `json:"dependencies"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
}

type rawPlan struct {
	Tasks []RawTask `json:"tasks"`
}

// Planner builds and validates a Plan for a user query.
type Planner struct {
	model    delegate.ModelClient
	roles    RoleCatalog
	tools    delegate.ToolBackend
	modelID  string
	cfg      delegate.PlannerConfig
	sink     delegate.TraceSink
	log      zerolog.Logger
	systemPrompt string
}

// New constructs a Planner. systemPrompt is the planner role's own system prompt
// text, prepended to every planning request.
func New(model delegate.ModelClient, roles RoleCatalog, toolBackend delegate.ToolBackend, modelID, systemPrompt string, cfg delegate.PlannerConfig, sink delegate.TraceSink, log zerolog.Logger) *Planner {
	if sink == nil {
		sink = delegate.NoopTraceSink{}
	}
	return &Planner{
		model:        model,
		roles:        roles,
		tools:        toolBackend,
		modelID:      modelID,
		cfg:          cfg,
		sink:         sink,
		log:          log.With().Str("component", "planner").Logger(),
		systemPrompt: systemPrompt,
	}
}

// Plan produces a validated Plan for query, retrying once on validation failure
// and falling back to a single-task plan on a second failure.
func (p *Planner) Plan(ctx context.Context, query string) (*delegate.Plan, error) {
	prompt, err := p.assemblePrompt(ctx, query, "")
	if err != nil {
		return nil, err
	}
	p.sink.Emit(delegate.TraceEvent{Type: delegate.EvPlanRequest, Data: map[string]any{"query": query, "attempt": 1}})

	plan, validationErr := p.attempt(ctx, prompt)
	if validationErr == nil {
		return plan, nil
	}
	p.sink.Emit(delegate.TraceEvent{Type: delegate.EvPlanValidationFailed, Data: map[string]any{"attempt": 1, "error": validationErr.Error()}})

	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = 200 * time.Millisecond
	delay.MaxElapsedTime = 2 * time.Second
	time.Sleep(delay.NextBackOff())

	retryPrompt, err := p.assemblePrompt(ctx, query, validationErr.Error())
	if err != nil {
		return nil, err
	}
	p.sink.Emit(delegate.TraceEvent{Type: delegate.EvPlanRequest, Data: map[string]any{"query": query, "attempt": 2}})
	plan, validationErr = p.attempt(ctx, retryPrompt)
	if validationErr == nil {
		return plan, nil
	}
	p.sink.Emit(delegate.TraceEvent{Type: delegate.EvPlanValidationFailed, Data: map[string]any{"attempt": 2, "error": validationErr.Error()}})

	fallback := &delegate.Plan{Tasks: []delegate.Task{{
		ID:          "task_1",
		Description: query,
		AgentType:   "EXECUTOR",
		Status:      delegate.TaskPending,
	}}}
	p.sink.Emit(delegate.TraceEvent{Type: delegate.EvPlanResult, Data: map[string]any{"fallback": true, "task_count": 1}})
	return fallback, nil
}

func (p *Planner) attempt(ctx context.Context, prompt string) (*delegate.Plan, error) {
	text, _, _, err := p.model.Chat(ctx, p.modelID, []delegate.ChatMessage{
		{Role: "system", Content: p.systemPrompt},
		{Role: "user", Content: prompt},
	}, delegate.ChatOptions{Temperature: 0})
	if err != nil {
		return nil, fmt.Errorf("planner: model call failed: %w", err)
	}

	raw, err := extractPlanJSON(text)
	if err != nil {
		return nil, err
	}

	plan, err := p.validate(raw)
	if err != nil {
		return nil, err
	}
	p.sink.Emit(delegate.TraceEvent{Type: delegate.EvPlanResult, Data: map[string]any{"task_count": len(plan.Tasks)}})
	return plan, nil
}

func extractPlanJSON(text string) (rawPlan, error) {
	for _, candidate := range toolcall.FindBalancedJSON(text) {
		var rp rawPlan
		if err := json.Unmarshal([]byte(candidate), &rp); err == nil && len(rp.Tasks) > 0 {
			return rp, nil
		}
	}
	return rawPlan{}, delegate.NewTaskError(delegate.ErrInvalidPlan, "planner", "no parseable plan JSON found in model response", nil)
}

// validate enforces structural rules against a freshly parsed plan (every
// dependency id known, no cycles, every agent type known to the registry). The
// reverse-dependency index is not built here; Plan.Dependents builds it on first use.
func (p *Planner) validate(raw rawPlan) (*delegate.Plan, error) {
	if len(raw.Tasks) < 1 || len(raw.Tasks) > 12 {
		return nil, delegate.NewTaskError(delegate.ErrInvalidPlan, "planner",
			fmt.Sprintf("plan has %d tasks, want 1..12", len(raw.Tasks)), nil, "task_count", len(raw.Tasks))
	}

	seen := make(map[string]bool, len(raw.Tasks))
	tasks := make([]delegate.Task, 0, len(raw.Tasks))
	for _, rt := range raw.Tasks {
		if rt.ID == "" || rt.Description == "" {
			return nil, delegate.NewTaskError(delegate.ErrInvalidPlan, "planner", "task missing id or description", nil)
		}
		if seen[rt.ID] {
			return nil, delegate.NewTaskError(delegate.ErrInvalidPlan, "planner", "duplicate task id "+rt.ID, nil, "task_id", rt.ID)
		}
		seen[rt.ID] = true

		if _, err := p.roles.Get(rt.AgentType); err != nil {
			return nil, delegate.NewTaskError(delegate.ErrUnknownRole, "planner",
				fmt.Sprintf("task %s references unknown role %q", rt.ID, rt.AgentType), err, "task_id", rt.ID, "role", rt.AgentType)
		}

		tasks = append(tasks, delegate.Task{
			ID:             rt.ID,
			Description:    rt.Description,
			AgentType:      strings.ToUpper(rt.AgentType),
			Dependencies:   rt.Dependencies,
			ExpectedOutput: rt.ExpectedOutput,
			Status:         delegate.TaskPending,
		})
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return nil, delegate.NewTaskError(delegate.ErrInvalidPlan, "planner",
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep), nil, "task_id", t.ID, "dependency", dep)
			}
		}
	}

	if cyc := findCycle(tasks); cyc != "" {
		return nil, delegate.NewTaskError(delegate.ErrInvalidPlan, "planner", "dependency cycle detected at "+cyc, nil, "task_id", cyc)
	}

	return &delegate.Plan{Tasks: tasks}, nil
}

// findCycle runs DFS with gray/black marking over the dependency graph and
// returns the id where a cycle was first detected, or "" if none.
func findCycle(tasks []delegate.Task) string {
	byID := make(map[string]delegate.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if color[dep] == gray {
				return true
			}
			if color[dep] == white && visit(dep) {
				return true
			}
		}
		color[id] = black
		return false
	}
	for _, t := range tasks {
		if color[t.ID] == white {
			if visit(t.ID) {
				return t.ID
			}
		}
	}
	return ""
}

const maxToolsFlat = 20
const maxToolsPerServer = 5

func (p *Planner) assemblePrompt(ctx context.Context, query, feedback string) (string, error) {
	var b strings.Builder

	b.WriteString("## Available agent roles\n")
	for _, name := range p.roles.Roles() {
		role, err := p.roles.Get(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s", role.Name, role.Description)
		if role.PlanningHints != "" {
			fmt.Fprintf(&b, " (%s)", role.PlanningHints)
		}
		b.WriteString("\n")
	}

	tools, err := p.tools.ListTools(ctx)
	if err != nil {
		return "", fmt.Errorf("planner: list tools: %w", err)
	}
	b.WriteString("\n## Available tools\n")
	b.WriteString(toolCatalog(tools))

	examples := selectExamples(query, p.cfg.MaxExamples)
	if len(examples) > 0 {
		b.WriteString("\n## Examples\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "Query: %s\nPlan: %s\n\n", ex.Query, ex.PlanJSON)
		}
	}

	if feedback != "" {
		fmt.Fprintf(&b, "\n## Previous attempt was rejected\n%s\nFix the plan accordingly.\n", feedback)
	}

	fmt.Fprintf(&b, "\n## Query\n%s\n\nRespond with JSON only, matching {\"tasks\":[{\"id\":...,\"description\":...,\"agent_type\":...,\"dependencies\":[...],\"expected_output\":...}]}.\n", query)
	return b.String(), nil
}

// toolCatalog renders the tool list : flat if <=20, grouped by server
// with a 5-per-server cap and truncation marker otherwise.
func toolCatalog(tools []delegate.ToolDescriptor) string {
	var b strings.Builder
	if len(tools) <= maxToolsFlat {
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		return b.String()
	}

	byServer := make(map[string][]delegate.ToolDescriptor)
	var servers []string
	for _, t := range tools {
		s := t.Server()
		if _, ok := byServer[s]; !ok {
			servers = append(servers, s)
		}
		byServer[s] = append(byServer[s], t)
	}
	sort.Strings(servers)
	for _, s := range servers {
		ts := byServer[s]
		fmt.Fprintf(&b, "- %s:\n", s)
		limit := maxToolsPerServer
		if limit > len(ts) {
			limit = len(ts)
		}
		for _, t := range ts[:limit] {
			fmt.Fprintf(&b, "    %s: %s\n", t.Name, t.Description)
		}
		if len(ts) > limit {
			fmt.Fprintf(&b, "    ... %d more\n", len(ts)-limit)
		}
	}
	return b.String()
}
