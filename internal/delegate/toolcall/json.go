package toolcall

import (
	"encoding/json"
	"regexp"
)

// jsonMatcher recognizes a JSON object (or array, or {"tool_calls":[...]} wrapper)
// with a non-empty "name", possibly embedded in prose or a fenced code block, trying
// the wrapper shape before the bare-array shape against a model's raw text. The
// name is not checked against any tool list here; any non-empty name is accepted.
type jsonMatcher struct{}

var jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

type rawCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolCallsWrapper struct {
	ToolCalls []rawCall `json:"tool_calls"`
}

func (jsonMatcher) TryParse(response string) []Call {
	var calls []Call

	for _, fence := range jsonFencePattern.FindAllStringSubmatch(response, -1) {
		calls = append(calls, tryDecodeJSONCandidate(fence[1])...)
	}

	for _, candidate := range FindBalancedJSON(response) {
		calls = append(calls, tryDecodeJSONCandidate(candidate)...)
	}

	return calls
}

func tryDecodeJSONCandidate(s string) []Call {
	var wrapper toolCallsWrapper
	if err := json.Unmarshal([]byte(s), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
		return rawCallsToCalls(wrapper.ToolCalls)
	}

	var single rawCall
	if err := json.Unmarshal([]byte(s), &single); err == nil && single.Name != "" {
		return []Call{{Name: single.Name, Args: single.Arguments}}
	}

	var bare []rawCall
	if err := json.Unmarshal([]byte(s), &bare); err == nil && len(bare) > 0 {
		valid := true
		for _, c := range bare {
			if c.Name == "" {
				valid = false
				break
			}
		}
		if valid {
			return rawCallsToCalls(bare)
		}
	}

	return nil
}

func rawCallsToCalls(raw []rawCall) []Call {
	out := make([]Call, 0, len(raw))
	for _, c := range raw {
		if c.Name == "" {
			continue
		}
		out = append(out, Call{Name: c.Name, Args: c.Arguments})
	}
	return out
}

// FindBalancedJSON scans s for every top-level balanced {...} or [...] substring,
// respecting quoted strings and escapes, without assuming the surrounding text is
// valid JSON itself (the model's response is free-form prose around the payload).
// Exported for reuse by the planner, which extracts a single JSON plan object from
// similarly unstructured model output.
func FindBalancedJSON(s string) []string {
	var out []string
	n := len(s)
	for i := 0; i < n; i++ {
		c := s[i]
		if c != '{' && c != '[' {
			continue
		}
		open := c
		close := byte('}')
		if open == '[' {
			close = ']'
		}
		depth := 0
		inString := false
		escaped := false
		end := -1
		for j := i; j < n; j++ {
			ch := s[j]
			if inString {
				if escaped {
					escaped = false
				} else if ch == '\\' {
					escaped = true
				} else if ch == '"' {
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case open:
				depth++
			case close:
				depth--
				if depth == 0 {
					end = j
				}
			}
			if end != -1 {
				break
			}
		}
		if end != -1 {
			out = append(out, s[i:end+1])
			i = end
		}
	}
	return out
}
