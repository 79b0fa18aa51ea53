package graph

import (
	"regexp"
	"strings"

	"github.com/steveyegge/orchestrate/internal/types"
)

var (
	depPhrase = regexp.MustCompile(`(?i)\b(?:blocked\s+by|depends\s+on|dependent\s+on|requires|after)\s*:?\s*((?:#\d+(?:\s*(?:,|and|&)?\s*))+)`)
	issueRef  = regexp.MustCompile(`#(\d+)`)
	// fenced code blocks and inline code are not prose
	codeSpan = regexp.MustCompile("(?s)```.*?```|`[^`\n]*`")
)

// ParseDependencyRefs extracts issue numbers a body says it is blocked by,
// e.g. "Blocked by #12", "Depends on: #3, #4 and #5". This is a best-effort
// reading of prose, used only when the tracker has no structured
// dependency data. Results are unique and in natural order.
func ParseDependencyRefs(text string) []string {
	text = codeSpan.ReplaceAllString(text, "")
	seen := make(map[string]bool)
	var refs []string
	for _, m := range depPhrase.FindAllStringSubmatch(text, -1) {
		for _, ref := range issueRef.FindAllStringSubmatch(m[1], -1) {
			id := strings.TrimLeft(ref[1], "0")
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			refs = append(refs, id)
		}
	}
	types.SortIDs(refs)
	return refs
}
