// Package toolcall extracts structured tool invocations from free-form model text
// in the three wire formats the engine must understand: tagged XML,
// JSON object, and a Python-code fence, tried in that order through a small
// composite matcher pipeline.
package toolcall

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Call is one parsed tool invocation.
type Call struct {
	Name string
	Args map[string]any
}

// matcher tries to extract zero or more calls from response text. Each matcher is
// independently testable and ignorant of the others.
type matcher interface {
	TryParse(response string) []Call
}

// Parser is the composite pipeline: tries each matcher in order of specificity and
// dedupes results by (name, normalized-args-hash).
type Parser struct {
	matchers []matcher
}

// NewParser returns the default parser with all three formats tried in order of
// specificity: tagged XML, JSON object, Python-code fence.
func NewParser() *Parser {
	return &Parser{matchers: []matcher{
		xmlMatcher{},
		jsonMatcher{},
		pythonMatcher{},
	}}
}

// Parse returns every distinct tool call found in response. An empty result means
// the response is terminal; callers must not infer termination any
// other way.
func (p *Parser) Parse(response string) []Call {
	var all []Call
	for _, m := range p.matchers {
		all = append(all, m.TryParse(response)...)
	}
	return dedupe(all)
}

func dedupe(calls []Call) []Call {
	seen := make(map[string]bool, len(calls))
	out := make([]Call, 0, len(calls))
	for _, c := range calls {
		key := c.Name + "|" + argsHash(c.Args)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// argsHash is stable under key reordering: args are marshaled with sorted keys.
func argsHash(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, args[k])
	}
	raw, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
