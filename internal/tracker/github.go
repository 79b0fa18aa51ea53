package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/steveyegge/orchestrate/internal/graph"
	"github.com/steveyegge/orchestrate/internal/types"
	"golang.org/x/time/rate"
)

// CommandRunner runs the gh CLI and returns its stdout. A non-zero exit is
// returned as an error alongside whatever stdout was produced.
type CommandRunner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// GitHubConfig configures the gh-backed tracker
type GitHubConfig struct {
	// Repo is "owner/name"; empty means the repository gh infers from Dir
	Repo string
	// Dir is where gh runs
	Dir string
	// RequestsPerSecond throttles gh invocations; 0 disables throttling
	RequestsPerSecond float64
	// Run overrides the gh runner (tests)
	Run CommandRunner
}

// GitHub implements Source and PullRequests on top of the gh CLI
type GitHub struct {
	repo    string
	dir     string
	run     CommandRunner
	limiter *rate.Limiter

	mu               sync.Mutex
	noStructuredDeps bool
}

// NewGitHub creates a gh-backed tracker
func NewGitHub(cfg GitHubConfig) *GitHub {
	run := cfg.Run
	if run == nil {
		run = runGH
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &GitHub{repo: cfg.Repo, dir: cfg.Dir, run: run, limiter: limiter}
}

func runGH(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return out, &GHError{Args: args, Stderr: msg, Err: err}
	}
	return out, nil
}

// GHError is a failed gh invocation
type GHError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GHError) Error() string {
	return fmt.Sprintf("gh %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

func (e *GHError) Unwrap() error { return e.Err }

func (g *GitHub) gh(ctx context.Context, args ...string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.run(ctx, g.dir, args...)
}

func (g *GitHub) ghJSON(ctx context.Context, v any, args ...string) error {
	out, err := g.gh(ctx, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("failed to parse gh %s output: %w", args[0], err)
	}
	return nil
}

// repoPath returns the API path prefix; gh fills {owner}/{repo} itself
func (g *GitHub) repoPath() string {
	if g.repo != "" {
		return "repos/" + g.repo
	}
	return "repos/{owner}/{repo}"
}

func (g *GitHub) repoArgs(args ...string) []string {
	if g.repo != "" {
		return append(args, "--repo", g.repo)
	}
	return args
}

type apiIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	URL     string `json:"url"`
}

func (i apiIssue) toWorkItem() types.WorkItem {
	state := types.ItemOpen
	if strings.EqualFold(i.State, "closed") {
		state = types.ItemClosed
	}
	url := i.HTMLURL
	if url == "" {
		url = i.URL
	}
	return types.WorkItem{
		ID:    strconv.Itoa(i.Number),
		Title: i.Title,
		Body:  i.Body,
		State: state,
		URL:   url,
	}
}

// LoadItems returns the issues of an epic (its sub-issues) or of a
// milestone, with dependency edges filled in
func (g *GitHub) LoadItems(ctx context.Context, target Target) ([]types.WorkItem, error) {
	var issues []apiIssue
	switch target.Kind {
	case TargetEpic:
		n, err := strconv.Atoi(strings.TrimPrefix(target.Ref, "#"))
		if err != nil {
			return nil, fmt.Errorf("epic must be an issue number, got %q", target.Ref)
		}
		err = g.ghJSON(ctx, &issues, "api",
			fmt.Sprintf("%s/issues/%d/sub_issues?per_page=100", g.repoPath(), n))
		if err != nil {
			return nil, fmt.Errorf("failed to list sub-issues of #%d: %w", n, err)
		}
	case TargetMilestone:
		err := g.ghJSON(ctx, &issues, g.repoArgs("issue", "list",
			"--milestone", target.Ref, "--state", "all", "--limit", "1000",
			"--json", "number,title,body,state,url")...)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues in milestone %q: %w", target.Ref, err)
		}
	default:
		return nil, fmt.Errorf("unknown target kind %q", target.Kind)
	}

	items := make([]types.WorkItem, 0, len(issues))
	for _, issue := range issues {
		item := issue.toWorkItem()
		if item.IsOpen() {
			deps, err := g.dependencies(ctx, issue)
			if err != nil {
				return nil, err
			}
			item.DependsOn = deps
		}
		items = append(items, item)
	}
	return items, nil
}

// dependencies reads the structured "blocked by" relation. When the
// repository does not expose it, the issue body is parsed instead.
func (g *GitHub) dependencies(ctx context.Context, issue apiIssue) ([]string, error) {
	g.mu.Lock()
	fallback := g.noStructuredDeps
	g.mu.Unlock()

	if !fallback {
		var blockers []apiIssue
		err := g.ghJSON(ctx, &blockers, "api",
			fmt.Sprintf("%s/issues/%d/dependencies/blocked_by", g.repoPath(), issue.Number))
		if err == nil {
			deps := make([]string, 0, len(blockers))
			for _, b := range blockers {
				deps = append(deps, strconv.Itoa(b.Number))
			}
			types.SortIDs(deps)
			return deps, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read dependencies of #%d: %w", issue.Number, err)
		}
		g.mu.Lock()
		g.noStructuredDeps = true
		g.mu.Unlock()
	}
	return graph.ParseDependencyRefs(issue.Body), nil
}

func isNotFound(err error) bool {
	var ghErr *GHError
	if errors.As(err, &ghErr) {
		return strings.Contains(ghErr.Stderr, "404") || strings.Contains(ghErr.Stderr, "Not Found")
	}
	return false
}

type ghPR struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	State       string `json:"state"`
	HeadRefName string `json:"headRefName"`
	Body        string `json:"body"`
	MergeCommit *struct {
		OID string `json:"oid"`
	} `json:"mergeCommit"`
}

func (p ghPR) toArtifact() *Artifact {
	a := &Artifact{
		Number: p.Number,
		URL:    p.URL,
		State:  PRState(strings.ToLower(p.State)),
		Branch: p.HeadRefName,
	}
	if p.MergeCommit != nil {
		a.MergeCommit = p.MergeCommit.OID
	}
	return a
}

func closesRef(id string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s*:?\s+#` + regexp.QuoteMeta(id) + `\b`)
}

// FindArtifact looks for an open or merged pull request for the item:
// first one whose head is branch, then one whose body closes the item
func (g *GitHub) FindArtifact(ctx context.Context, item types.WorkItem, branch string) (*Artifact, error) {
	var prs []ghPR
	if branch != "" {
		if err := g.ghJSON(ctx, &prs, g.repoArgs("pr", "list", "--state", "all", "--head", branch,
			"--json", "number,url,state,headRefName")...); err != nil {
			return nil, fmt.Errorf("failed to list pull requests for %s: %w", branch, err)
		}
		if a := pickArtifact(prs, nil); a != nil {
			return a, nil
		}
	}

	prs = nil
	if err := g.ghJSON(ctx, &prs, g.repoArgs("pr", "list", "--state", "all",
		"--search", "#"+item.ID+" in:body", "--json", "number,url,state,headRefName,body")...); err != nil {
		return nil, fmt.Errorf("failed to search pull requests for #%s: %w", item.ID, err)
	}
	return pickArtifact(prs, closesRef(item.ID)), nil
}

// pickArtifact prefers merged over open; closed-unmerged never counts
func pickArtifact(prs []ghPR, body *regexp.Regexp) *Artifact {
	var open *Artifact
	for _, pr := range prs {
		if body != nil && !body.MatchString(pr.Body) {
			continue
		}
		a := pr.toArtifact()
		switch a.State {
		case PRMerged:
			return a
		case PROpen:
			if open == nil {
				open = a
			}
		}
	}
	return open
}

// GetArtifact returns the current state of a pull request
func (g *GitHub) GetArtifact(ctx context.Context, number int) (*Artifact, error) {
	var pr ghPR
	if err := g.ghJSON(ctx, &pr, g.repoArgs("pr", "view", strconv.Itoa(number),
		"--json", "number,url,state,headRefName,mergeCommit")...); err != nil {
		return nil, fmt.Errorf("failed to view pull request #%d: %w", number, err)
	}
	return pr.toArtifact(), nil
}

// Checks polls the CI checks of a pull request once
func (g *GitHub) Checks(ctx context.Context, number int) (*CheckReport, error) {
	out, err := g.gh(ctx, g.repoArgs("pr", "checks", strconv.Itoa(number), "--json", "name,bucket,link")...)
	if err != nil {
		var ghErr *GHError
		if errors.As(err, &ghErr) && strings.Contains(ghErr.Stderr, "no checks reported") {
			return &CheckReport{Status: CINone}, nil
		}
		// gh exits non-zero while checks are pending or failing but still
		// prints the JSON we need
		if len(out) == 0 {
			return nil, fmt.Errorf("failed to read checks of #%d: %w", number, err)
		}
	}
	var checks []Check
	if err := json.Unmarshal(out, &checks); err != nil {
		return nil, fmt.Errorf("failed to parse checks of #%d: %w", number, err)
	}
	return summarizeChecks(checks), nil
}

func summarizeChecks(checks []Check) *CheckReport {
	report := &CheckReport{Status: CINone}
	if len(checks) == 0 {
		return report
	}
	pending := false
	for _, c := range checks {
		switch c.Bucket {
		case "fail", "cancel":
			report.Failed = append(report.Failed, c)
		case "pending":
			pending = true
		}
	}
	switch {
	case len(report.Failed) > 0:
		report.Status = CIFailed
	case pending:
		report.Status = CIPending
	default:
		report.Status = CIPassed
	}
	return report
}

// ReviewDecision returns the aggregate review decision of a pull request
func (g *GitHub) ReviewDecision(ctx context.Context, number int) (ReviewDecision, error) {
	var view struct {
		ReviewDecision string `json:"reviewDecision"`
	}
	if err := g.ghJSON(ctx, &view, g.repoArgs("pr", "view", strconv.Itoa(number), "--json", "reviewDecision")...); err != nil {
		return "", fmt.Errorf("failed to read review decision of #%d: %w", number, err)
	}
	switch view.ReviewDecision {
	case "APPROVED":
		return ReviewApproved, nil
	case "CHANGES_REQUESTED":
		return ReviewChangesRequested, nil
	case "REVIEW_REQUIRED":
		return ReviewRequired, nil
	default:
		return ReviewNone, nil
	}
}

type ghAuthor struct {
	Login string `json:"login"`
}

// ReviewFeedback gathers inline comments, conversation comments and
// review bodies of a pull request
func (g *GitHub) ReviewFeedback(ctx context.Context, number int) (*Feedback, error) {
	var view struct {
		Comments []struct {
			Author ghAuthor `json:"author"`
			Body   string   `json:"body"`
		} `json:"comments"`
		Reviews []struct {
			Author ghAuthor `json:"author"`
			Body   string   `json:"body"`
			State  string   `json:"state"`
		} `json:"reviews"`
	}
	if err := g.ghJSON(ctx, &view, g.repoArgs("pr", "view", strconv.Itoa(number), "--json", "comments,reviews")...); err != nil {
		return nil, fmt.Errorf("failed to read comments of #%d: %w", number, err)
	}

	var inline []struct {
		User ghAuthor `json:"user"`
		Body string   `json:"body"`
		Path string   `json:"path"`
		Line int      `json:"line"`
	}
	if err := g.ghJSON(ctx, &inline, "api", fmt.Sprintf("%s/pulls/%d/comments?per_page=100", g.repoPath(), number)); err != nil {
		return nil, fmt.Errorf("failed to read inline comments of #%d: %w", number, err)
	}

	fb := &Feedback{}
	for _, c := range inline {
		fb.Inline = append(fb.Inline, Comment{Author: c.User.Login, Body: c.Body, Path: c.Path, Line: c.Line})
	}
	for _, c := range view.Comments {
		fb.Conversation = append(fb.Conversation, Comment{Author: c.Author.Login, Body: c.Body})
	}
	for _, r := range view.Reviews {
		if strings.TrimSpace(r.Body) == "" {
			continue
		}
		fb.Reviews = append(fb.Reviews, Comment{Author: r.Author.Login, Body: r.Body})
	}
	return fb, nil
}

// Merge squash-merges a pull request and deletes its branch
func (g *GitHub) Merge(ctx context.Context, number int) error {
	if _, err := g.gh(ctx, g.repoArgs("pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch")...); err != nil {
		return fmt.Errorf("failed to merge #%d: %w", number, err)
	}
	return nil
}
