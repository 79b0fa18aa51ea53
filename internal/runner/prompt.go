package runner

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/steveyegge/orchestrate/internal/types"
)

// TaskKind selects the prompt given to the task runner
type TaskKind string

const (
	TaskImplement TaskKind = "implement"
	TaskFixCI     TaskKind = "fix-ci"
	TaskFixReview TaskKind = "fix-review"
)

// PromptContext is everything a prompt template can reference
type PromptContext struct {
	Item       *types.WorkItem
	Branch     string
	BaseBranch string

	// FailedChecks lists CI checks that failed (fix-ci)
	FailedChecks []string

	// Feedback is consolidated review feedback (fix-review)
	Feedback string

	// PRNumber is the artifact being fixed, if any
	PRNumber int
}

const implementTemplate = `# YOUR TASK

**Issue**: #{{.Item.ID}} - {{.Item.Title}}
{{if .Item.URL}}{{.Item.URL}}
{{end}}
{{if .Item.Body -}}
## Description
{{.Item.Body}}

{{end -}}
# ENVIRONMENT

- **Branch**: {{.Branch}} (based on {{.BaseBranch}})

# INSTRUCTIONS

1. Implement the issue on the current branch. Stay within its scope.
2. Run the project's tests and linters and fix what you broke.
3. Commit your work with a message referencing #{{.Item.ID}}.
4. Push the branch and open a pull request against {{.BaseBranch}} whose body contains "Closes #{{.Item.ID}}".
`

const fixCITemplate = `# FIX CI

Pull request #{{.PRNumber}} for issue #{{.Item.ID}} ({{.Item.Title}}) is failing CI on branch {{.Branch}}.
{{if .FailedChecks}}
Failing checks:
{{range .FailedChecks -}}
- {{.}}
{{end}}{{end}}
Make sure you are on the pull request's branch first (` + "`gh pr checkout {{.PRNumber}}`" + `).
Inspect the failures (for example with ` + "`gh pr checks {{.PRNumber}}`" + ` and the check logs), fix the cause, commit and push to {{.Branch}}.
Do not disable or skip tests to make them pass.
`

const fixReviewTemplate = `# ADDRESS REVIEW FEEDBACK

Pull request #{{.PRNumber}} for issue #{{.Item.ID}} ({{.Item.Title}}) received change requests on branch {{.Branch}}.

## Feedback
{{.Feedback}}

Make sure you are on the pull request's branch first (` + "`gh pr checkout {{.PRNumber}}`" + `).
Address every point, then commit and push to {{.Branch}}.
`

// PromptBuilder renders task prompts from templates
type PromptBuilder struct {
	templates map[TaskKind]*template.Template
}

// NewPromptBuilder parses the built-in templates
func NewPromptBuilder() (*PromptBuilder, error) {
	b := &PromptBuilder{templates: make(map[TaskKind]*template.Template)}
	for kind, text := range map[TaskKind]string{
		TaskImplement: implementTemplate,
		TaskFixCI:     fixCITemplate,
		TaskFixReview: fixReviewTemplate,
	} {
		tmpl, err := template.New(string(kind)).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", kind, err)
		}
		b.templates[kind] = tmpl
	}
	return b, nil
}

// Build renders the prompt for kind
func (b *PromptBuilder) Build(kind TaskKind, ctx *PromptContext) (string, error) {
	if ctx == nil || ctx.Item == nil {
		return "", fmt.Errorf("prompt context requires an item")
	}
	tmpl, ok := b.templates[kind]
	if !ok {
		return "", fmt.Errorf("unknown task kind: %s", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", kind, err)
	}
	return buf.String(), nil
}
