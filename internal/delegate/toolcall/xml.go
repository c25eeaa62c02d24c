package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"
)

// xmlMatcher recognizes the tagged form <server.tool><arg>value</arg>...</server.tool>.
// Only triggered when the outer tag name contains a dot, to avoid collisions
// with incidental free-form XML/HTML-like text in a model's prose.
// Hand-rolled rather than built on encoding/xml: model output is not a well-formed
// XML document (stray angle brackets in prose, unescaped ampersands), so a small
// tolerant scanner is more robust here.
type xmlMatcher struct{}

var outerTagPattern = regexp.MustCompile(`<([A-Za-z_][\w-]*\.[\w.-]*)>`)

func (xmlMatcher) TryParse(response string) []Call {
	var calls []Call
	for _, loc := range outerTagPattern.FindAllStringSubmatchIndex(response, -1) {
		nameStart, nameEnd := loc[2], loc[3]
		tagEnd := loc[1]
		name := response[nameStart:nameEnd]
		closeTag := "</" + name + ">"
		closeIdx := strings.Index(response[tagEnd:], closeTag)
		if closeIdx < 0 {
			continue
		}
		inner := response[tagEnd : tagEnd+closeIdx]
		args := parseArgs(inner)
		calls = append(calls, Call{Name: name, Args: args})
	}
	return calls
}

type element struct {
	name    string
	content string
}

// parseElements performs a single-pass, non-recursive scan for immediate sibling
// elements in s: <name>content</name><name2>content2</name2>...
func parseElements(s string) []element {
	var out []element
	i := 0
	for i < len(s) {
		ltIdx := strings.IndexByte(s[i:], '<')
		if ltIdx < 0 {
			break
		}
		start := i + ltIdx
		gtIdx := strings.IndexByte(s[start:], '>')
		if gtIdx < 0 {
			break
		}
		tagContent := s[start+1 : start+gtIdx]
		if tagContent == "" || tagContent[0] == '/' {
			i = start + gtIdx + 1
			continue
		}
		name := tagContent
		if sp := strings.IndexAny(tagContent, " \t\n"); sp >= 0 {
			name = tagContent[:sp]
		}
		openEnd := start + gtIdx + 1
		closeTag := "</" + name + ">"
		closeIdx := strings.Index(s[openEnd:], closeTag)
		if closeIdx < 0 {
			i = openEnd
			continue
		}
		content := s[openEnd : openEnd+closeIdx]
		out = append(out, element{name: name, content: content})
		i = openEnd + closeIdx + len(closeTag)
	}
	return out
}

func parseArgs(inner string) map[string]any {
	elems := parseElements(inner)
	args := make(map[string]any, len(elems))
	for _, e := range elems {
		args[e.name] = coerceValue(e.content)
	}
	return args
}

func coerceValue(content string) any {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "<") {
		if nested := parseElements(trimmed); len(nested) > 0 {
			m := make(map[string]any, len(nested))
			for _, e := range nested {
				m[e.name] = coerceValue(e.content)
			}
			return m
		}
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return content
}
