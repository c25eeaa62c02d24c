package toolcall

import "regexp"

// pythonMatcher recognizes a fenced code block tagged python/py and synthesizes a
// single builtin.execute_python_code call.
type pythonMatcher struct{}

var pythonFencePattern = regexp.MustCompile("(?s)```(?:python|py)\\s*\\n(.*?)```")

func (pythonMatcher) TryParse(response string) []Call {
	var calls []Call
	for _, m := range pythonFencePattern.FindAllStringSubmatch(response, -1) {
		calls = append(calls, Call{
			Name: "builtin.execute_python_code",
			Args: map[string]any{"code": m[1]},
		})
	}
	return calls
}
