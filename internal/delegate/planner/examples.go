package planner

import "strings"

// Example is one few-shot planning example, tagged with trigger keywords for a
// category so Plan can score relevance against the current query.
type Example struct {
	Category string
	Keywords []string
	Query    string
	PlanJSON string
}

// staticExamples is a small fixed library; real deployments may grow this, but
// the keyword-overlap scoring rule is stable regardless of how many examples it
// scores against.
var staticExamples = []Example{
	{
		Category: "file_read",
		Keywords: []string{"read", "file", "show", "open", "cat", "list"},
		Query:    "List files in 'src'",
		PlanJSON: `{"tasks":[{"id":"task_1","description":"List files in src","agent_type":"EXECUTOR","dependencies":[]}]}`,
	},
	{
		Category: "summarize",
		Keywords: []string{"summarize", "summary", "read", "explain"},
		Query:    "Read README.md and summarize",
		PlanJSON: `{"tasks":[{"id":"task_1","description":"Read README.md","agent_type":"EXECUTOR","dependencies":[]},{"id":"task_2","description":"Summarize the contents of README.md","agent_type":"EXECUTOR","dependencies":["task_1"]}]}`,
	},
	{
		Category: "edit",
		Keywords: []string{"patch", "edit", "fix", "change", "update", "replace"},
		Query:    "Fix the typo in main.go",
		PlanJSON: `{"tasks":[{"id":"task_1","description":"Read main.go to locate the typo","agent_type":"EXECUTOR","dependencies":[]},{"id":"task_2","description":"Patch main.go to fix the typo","agent_type":"EXECUTOR","dependencies":["task_1"]}]}`,
	},
	{
		Category: "research",
		Keywords: []string{"research", "compare", "investigate", "analyze", "options"},
		Query:    "Compare options for a message queue",
		PlanJSON: `{"tasks":[{"id":"task_1","description":"Research message queue options","agent_type":"RESEARCHER","dependencies":[]},{"id":"task_2","description":"Summarize a recommendation","agent_type":"EXECUTOR","dependencies":["task_1"]}]}`,
	},
}

// selectExamples scores every example by keyword-overlap count against query,
// returns the top-k (ties broken by lexical order of Category), k = maxExamples.
func selectExamples(query string, maxExamples int) []Example {
	if maxExamples <= 0 {
		return nil
	}
	lower := strings.ToLower(query)

	type scored struct {
		ex    Example
		score int
	}
	var candidates []scored
	for _, ex := range staticExamples {
		score := 0
		for _, kw := range ex.Keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{ex: ex, score: score})
		}
	}

	// Stable sort by score desc, then lexical Category asc.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0; j-- {
			a, b := candidates[j-1], candidates[j]
			swap := a.score < b.score || (a.score == b.score && a.ex.Category > b.ex.Category)
			if !swap {
				break
			}
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}

	if len(candidates) > maxExamples {
		candidates = candidates[:maxExamples]
	}
	out := make([]Example, len(candidates))
	for i, c := range candidates {
		out[i] = c.ex
	}
	return out
}
