package tools

import (
	"fmt"
	"strings"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// Change is one entry of patch_file's "changes" array.
type Change struct {
	Search     string `json:"search"`
	Replace    string `json:"replace"`
	Occurrence int    `json:"occurrence,omitempty"`
}

// applyPatch applies changes sequentially to content and returns the fully patched
// result. It never mutates content's backing storage; on any error the returned
// string is meaningless and must be discarded, never written. Extends a simple
// single old/new search-replace into an ordered multi-change array with true
// atomicity: the whole buffer is built in memory before any write happens.
func applyPatch(content string, changes []Change) (string, error) {
	buf := content
	for i, ch := range changes {
		if ch.Search == "" {
			return "", delegate.NewTaskError(delegate.ErrSearchNotFound, "patch_file",
				fmt.Sprintf("change %d has an empty search string", i), nil, "change_index", i)
		}
		count := strings.Count(buf, ch.Search)
		if count == 0 {
			return "", delegate.NewTaskError(delegate.ErrSearchNotFound, "patch_file",
				fmt.Sprintf("change %d: search string not found", i), nil, "change_index", i)
		}
		if ch.Occurrence == 0 {
			if count > 1 {
				return "", delegate.NewTaskError(delegate.ErrAmbiguousMatch, "patch_file",
					fmt.Sprintf("change %d: search string matched %d times; specify occurrence", i, count),
					nil, "change_index", i, "match_count", count)
			}
			buf = strings.Replace(buf, ch.Search, ch.Replace, 1)
			continue
		}
		if ch.Occurrence < 1 || ch.Occurrence > count {
			return "", delegate.NewTaskError(delegate.ErrInvalidOccur, "patch_file",
				fmt.Sprintf("change %d: occurrence %d out of range; search string matched %d times", i, ch.Occurrence, count),
				nil, "change_index", i, "occurrence", ch.Occurrence, "match_count", count)
		}
		replaced, err := replaceNth(buf, ch.Search, ch.Replace, ch.Occurrence)
		if err != nil {
			return "", err
		}
		buf = replaced
	}
	return buf, nil
}

// replaceNth replaces the n-th (1-indexed) occurrence of search in s with replace.
func replaceNth(s, search, replace string, n int) (string, error) {
	var b strings.Builder
	remaining := s
	for i := 1; ; i++ {
		idx := strings.Index(remaining, search)
		if idx < 0 {
			// Should not happen: caller already validated the occurrence count.
			return "", delegate.NewTaskError(delegate.ErrSearchNotFound, "patch_file", "occurrence vanished mid-scan", nil)
		}
		if i == n {
			b.WriteString(remaining[:idx])
			b.WriteString(replace)
			b.WriteString(remaining[idx+len(search):])
			return b.String(), nil
		}
		b.WriteString(remaining[:idx+len(search)])
		remaining = remaining[idx+len(search):]
	}
}
