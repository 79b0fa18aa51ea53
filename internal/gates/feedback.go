package gates

import (
	"fmt"
	"strings"

	"github.com/steveyegge/orchestrate/internal/tracker"
)

// MaxCommentChars caps each piece of feedback handed to a fix task
const MaxCommentChars = 2000

// ConsolidateFeedback renders inline comments, conversation comments and
// review bodies as one markdown document
func ConsolidateFeedback(fb *tracker.Feedback) string {
	if fb == nil {
		return "(no feedback text was found; inspect the pull request reviews)"
	}
	var b strings.Builder
	section := func(title string, comments []tracker.Comment, inline bool) {
		if len(comments) == 0 {
			return
		}
		fmt.Fprintf(&b, "### %s\n\n", title)
		for _, c := range comments {
			author := c.Author
			if author == "" {
				author = "reviewer"
			}
			if inline && c.Path != "" {
				loc := c.Path
				if c.Line > 0 {
					loc = fmt.Sprintf("%s:%d", c.Path, c.Line)
				}
				fmt.Fprintf(&b, "- **%s** on `%s`:\n", author, loc)
			} else {
				fmt.Fprintf(&b, "- **%s**:\n", author)
			}
			for _, line := range strings.Split(truncate(strings.TrimSpace(c.Body), MaxCommentChars), "\n") {
				fmt.Fprintf(&b, "  > %s\n", line)
			}
		}
		b.WriteString("\n")
	}
	section("Inline comments", fb.Inline, true)
	section("Review summaries", fb.Reviews, false)
	section("Conversation", fb.Conversation, false)

	if b.Len() == 0 {
		return "(no feedback text was found; inspect the pull request reviews)"
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	// Do not split a multi-byte rune
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
