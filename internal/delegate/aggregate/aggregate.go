// Package aggregate implements the Aggregator component: compose a
// final user-facing response from per-task outcomes, with an optional single LLM
// rewrite pass. The plain-text form lists each task by id/role/status/result and
// ends with a trailing "N/M tasks completed" line.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// RoleLookup is the narrow slice of AgentRegistry the aggregator needs: the
// display emoji for a role ( "role (with emoji if present)") and, when
// the optional LLM rewrite is enabled, the designated aggregator role's model id
// and system prompt.
type RoleLookup interface {
	Get(name string) (delegate.AgentRole, error)
}

// Aggregator composes a final response text from a set of TaskOutcomes.
type Aggregator struct {
	roles RoleLookup
	model delegate.ModelClient
	cfg   delegate.AggregatorConfig
	sink  delegate.TraceSink
	log   zerolog.Logger
}

// New constructs an Aggregator. model may be nil when cfg.UseLLM is false.
func New(roles RoleLookup, model delegate.ModelClient, cfg delegate.AggregatorConfig, sink delegate.TraceSink, log zerolog.Logger) *Aggregator {
	if sink == nil {
		sink = delegate.NoopTraceSink{}
	}
	return &Aggregator{roles: roles, model: model, cfg: cfg, sink: sink, log: log.With().Str("component", "aggregate").Logger()}
}

// Aggregate composes the final response text for outcomes, in task order. When
// cfg.UseLLM is set and a model client was supplied, a single extra LLM call
// rewrites the concatenation into prose; any error during that pass
// falls back to the plain concatenation rather than failing the run (the
// aggregator never invalidates an otherwise-successful set of task outcomes).
func (a *Aggregator) Aggregate(ctx context.Context, outcomes []delegate.TaskOutcome) string {
	plain := a.concat(outcomes)
	a.sink.Emit(delegate.TraceEvent{Type: delegate.EvAggregation, Data: map[string]any{"use_llm": a.cfg.UseLLM, "task_count": len(outcomes)}})

	if !a.cfg.UseLLM || a.model == nil || a.roles == nil {
		return plain
	}
	role, err := a.roles.Get(a.cfg.AggregatorRole)
	if err != nil {
		a.log.Warn().Err(err).Str("role", a.cfg.AggregatorRole).Msg("aggregator role not found, falling back to plain concatenation")
		return plain
	}

	prompt := a.boundedInput(a.filterOutcomes(outcomes))
	systemPrompt := role.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "Rewrite the following task results into a single coherent prose response for the user. Do not omit any failed or cancelled task."
	}
	text, _, _, err := a.model.Chat(ctx, role.ModelID, []delegate.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, delegate.ChatOptions{Temperature: role.Temperature})
	if err != nil || strings.TrimSpace(text) == "" {
		a.log.Warn().Err(err).Msg("aggregator LLM rewrite failed, falling back to plain concatenation")
		return plain
	}
	return text
}

func (a *Aggregator) concat(outcomes []delegate.TaskOutcome) string {
	var b strings.Builder
	completed := 0
	for _, o := range outcomes {
		emoji := ""
		if a.roles != nil {
			if role, err := a.roles.Get(o.Role); err == nil {
				emoji = role.Emoji
			}
		}
		label := o.Role
		if emoji != "" {
			label = emoji + " " + label
		}
		fmt.Fprintf(&b, "[%s] %s — %s\n", o.ID, label, o.Status)
		switch o.Status {
		case delegate.TaskCompleted:
			completed++
			b.WriteString(o.Result)
		default:
			fmt.Fprintf(&b, "%s: %s", o.ErrorKind, o.ErrorMsg)
		}
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "%d/%d tasks completed\n", completed, len(outcomes))
	return b.String()
}

// filterOutcomes narrows outcomes to those the optional LLM rewrite pass should
// see, per cfg.FilterExpr (e.g. `status != "completed"` to rewrite only the
// failures). A compile or eval error is non-fatal: the outcome is kept and the
// failure logged, since the rewrite pass is itself optional and best-effort.
func (a *Aggregator) filterOutcomes(outcomes []delegate.TaskOutcome) []delegate.TaskOutcome {
	if a.cfg.FilterExpr == "" {
		return outcomes
	}
	out := make([]delegate.TaskOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		env := map[string]any{"id": o.ID, "role": o.Role, "status": string(o.Status)}
		result, err := expr.Eval(a.cfg.FilterExpr, env)
		if err != nil {
			a.log.Warn().Err(err).Str("expr", a.cfg.FilterExpr).Msg("aggregator filter expression failed, keeping outcome")
			out = append(out, o)
			continue
		}
		if include, ok := result.(bool); !ok || include {
			out = append(out, o)
		}
	}
	return out
}

// boundedInput renders outcomes for the LLM rewrite pass, truncating individual
// task results (longest first) until the total fits cfg.MaxInputChars.
func (a *Aggregator) boundedInput(outcomes []delegate.TaskOutcome) string {
	limit := a.cfg.MaxInputChars
	if limit <= 0 {
		limit = 8000
	}

	type entry struct {
		idx  int
		text string
	}
	entries := make([]entry, len(outcomes))
	total := 0
	for i, o := range outcomes {
		text := fmt.Sprintf("[%s] %s (%s): %s %s\n", o.ID, o.Role, o.Status, o.Result, string(o.ErrorKind))
		entries[i] = entry{idx: i, text: text}
		total += len(text)
	}

	if total > limit {
		order := make([]int, len(entries))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool { return len(entries[order[i]].text) > len(entries[order[j]].text) })
		excess := total - limit
		for _, i := range order {
			if excess <= 0 {
				break
			}
			e := &entries[i]
			cut := excess
			if cut > len(e.text) {
				cut = len(e.text)
			}
			e.text = e.text[:len(e.text)-cut] + "...(truncated)\n"
			excess -= cut
		}
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.text)
	}
	return b.String()
}
