package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/steveyegge/orchestrate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGH answers gh invocations by matching the joined argument list
// against prefixes
type fakeGH struct {
	responses map[string]string
	failures  map[string]error
	calls     []string
}

func (f *fakeGH) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	joined := strings.Join(args, " ")
	f.calls = append(f.calls, joined)
	for prefix, err := range f.failures {
		if strings.HasPrefix(joined, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(joined, prefix) {
			return []byte(out), nil
		}
	}
	return nil, fmt.Errorf("unexpected gh call: %s", joined)
}

func notFound(args string) error {
	return &GHError{Args: strings.Fields(args), Stderr: "gh: Not Found (HTTP 404)", Err: errors.New("exit status 1")}
}

func TestLoadEpicWithStructuredDependencies(t *testing.T) {
	fake := &fakeGH{responses: map[string]string{
		"api repos/acme/app/issues/10/sub_issues": `[
			{"number": 11, "title": "parser", "state": "open", "html_url": "https://github.com/acme/app/issues/11"},
			{"number": 12, "title": "cli", "state": "open", "body": "Blocked by #99"},
			{"number": 13, "title": "old", "state": "closed"}
		]`,
		"api repos/acme/app/issues/11/dependencies/blocked_by": `[]`,
		"api repos/acme/app/issues/12/dependencies/blocked_by": `[{"number": 11}, {"number": 13}]`,
	}}
	gh := NewGitHub(GitHubConfig{Repo: "acme/app", Run: fake.run})

	items, err := gh.LoadItems(context.Background(), Target{Kind: TargetEpic, Ref: "#10"})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, "11", items[0].ID)
	assert.Equal(t, "https://github.com/acme/app/issues/11", items[0].URL)
	assert.Empty(t, items[0].DependsOn)
	assert.Equal(t, []string{"11", "13"}, items[1].DependsOn, "structured data wins over the body")
	assert.Equal(t, types.ItemClosed, items[2].State)
	for _, call := range fake.calls {
		assert.NotContains(t, call, "issues/13/dependencies", "closed items need no edges")
	}
}

func TestLoadMilestoneFallsBackToBodyParsing(t *testing.T) {
	fake := &fakeGH{
		responses: map[string]string{
			"issue list --milestone v2": `[
				{"number": 1, "title": "a", "state": "OPEN", "body": ""},
				{"number": 2, "title": "b", "state": "OPEN", "body": "Depends on #1"}
			]`,
		},
		failures: map[string]error{
			"api repos/acme/app/issues/1/dependencies": notFound("api"),
		},
	}
	gh := NewGitHub(GitHubConfig{Repo: "acme/app", Run: fake.run})

	items, err := gh.LoadItems(context.Background(), Target{Kind: TargetMilestone, Ref: "v2"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []string{"1"}, items[1].DependsOn)

	structured := 0
	for _, call := range fake.calls {
		if strings.Contains(call, "dependencies/blocked_by") {
			structured++
		}
	}
	assert.Equal(t, 1, structured, "an unsupported endpoint is only probed once")
}

func TestLoadItemsErrors(t *testing.T) {
	gh := NewGitHub(GitHubConfig{Run: (&fakeGH{}).run})
	_, err := gh.LoadItems(context.Background(), Target{Kind: TargetEpic, Ref: "abc"})
	assert.Error(t, err)
	_, err = gh.LoadItems(context.Background(), Target{Kind: "sprint", Ref: "1"})
	assert.Error(t, err)
}

func TestFindArtifact(t *testing.T) {
	item := types.WorkItem{ID: "42", State: types.ItemOpen}

	t.Run("by branch", func(t *testing.T) {
		fake := &fakeGH{responses: map[string]string{
			"pr list --state all --head orchestrate/item-42": `[
				{"number": 5, "url": "u5", "state": "CLOSED", "headRefName": "orchestrate/item-42"},
				{"number": 7, "url": "u7", "state": "OPEN", "headRefName": "orchestrate/item-42"}
			]`,
		}}
		gh := NewGitHub(GitHubConfig{Run: fake.run})
		a, err := gh.FindArtifact(context.Background(), item, "orchestrate/item-42")
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, 7, a.Number)
		assert.Equal(t, PROpen, a.State)
	})

	t.Run("by closing reference", func(t *testing.T) {
		fake := &fakeGH{responses: map[string]string{
			"pr list --state all --head": `[]`,
			"pr list --state all --search": `[
				{"number": 8, "state": "MERGED", "body": "mentions #420"},
				{"number": 9, "state": "MERGED", "body": "Fixes #42"}
			]`,
		}}
		gh := NewGitHub(GitHubConfig{Run: fake.run})
		a, err := gh.FindArtifact(context.Background(), item, "orchestrate/item-42")
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, 9, a.Number)
		assert.Equal(t, PRMerged, a.State)
	})

	t.Run("none", func(t *testing.T) {
		fake := &fakeGH{responses: map[string]string{
			"pr list --state all --search": `[{"number": 3, "state": "CLOSED", "body": "Closes #42"}]`,
		}}
		gh := NewGitHub(GitHubConfig{Run: fake.run})
		a, err := gh.FindArtifact(context.Background(), item, "")
		require.NoError(t, err)
		assert.Nil(t, a)
	})
}

func TestChecks(t *testing.T) {
	tests := []struct {
		name   string
		out    string
		err    error
		want   CIStatus
		failed int
	}{
		{"passed", `[{"name":"build","bucket":"pass"},{"name":"lint","bucket":"skipping"}]`, nil, CIPassed, 0},
		{"pending", `[{"name":"build","bucket":"pending"},{"name":"lint","bucket":"pass"}]`, nil, CIPending, 0},
		{"failed wins over pending", `[{"name":"build","bucket":"fail"},{"name":"e2e","bucket":"pending"}]`, nil, CIFailed, 1},
		{"cancelled counts as failed", `[{"name":"build","bucket":"cancel"}]`, nil, CIFailed, 1},
		{"no checks", "", &GHError{Stderr: "no checks reported on the 'x' branch", Err: errors.New("exit status 1")}, CINone, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := func(ctx context.Context, dir string, args ...string) ([]byte, error) {
				return []byte(tt.out), tt.err
			}
			gh := NewGitHub(GitHubConfig{Run: run})
			report, err := gh.Checks(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Failed, tt.failed)
		})
	}

	t.Run("non-zero exit with JSON is still parsed", func(t *testing.T) {
		run := func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			return []byte(`[{"name":"build","bucket":"pending"}]`), &GHError{Stderr: "", Err: errors.New("exit status 8")}
		}
		report, err := NewGitHub(GitHubConfig{Run: run}).Checks(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, CIPending, report.Status)
	})
}

func TestReviewDecisionAndFeedback(t *testing.T) {
	fake := &fakeGH{responses: map[string]string{
		"pr view 4 --json reviewDecision": `{"reviewDecision": "CHANGES_REQUESTED"}`,
		"pr view 4 --json comments,reviews": `{
			"comments": [{"author": {"login": "ann"}, "body": "please add tests"}],
			"reviews": [
				{"author": {"login": "bob"}, "body": "", "state": "COMMENTED"},
				{"author": {"login": "bob"}, "body": "rename the flag", "state": "CHANGES_REQUESTED"}
			]
		}`,
		"api repos/{owner}/{repo}/pulls/4/comments": `[{"user": {"login": "cy"}, "body": "off by one", "path": "main.go", "line": 12}]`,
	}}
	gh := NewGitHub(GitHubConfig{Run: fake.run})

	decision, err := gh.ReviewDecision(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, ReviewChangesRequested, decision)

	fb, err := gh.ReviewFeedback(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, fb.Inline, 1)
	assert.Equal(t, "main.go", fb.Inline[0].Path)
	assert.Equal(t, 12, fb.Inline[0].Line)
	require.Len(t, fb.Conversation, 1)
	require.Len(t, fb.Reviews, 1, "empty review bodies are dropped")
	assert.Equal(t, "rename the flag", fb.Reviews[0].Body)
}

func TestMergeAndGetArtifact(t *testing.T) {
	fake := &fakeGH{responses: map[string]string{
		"pr merge 6 --squash --delete-branch": "",
		"pr view 6 --json number,url,state,headRefName": `{"number": 6, "url": "u", "state": "MERGED", "headRefName": "b", "mergeCommit": {"oid": "abc123"}}`,
	}}
	gh := NewGitHub(GitHubConfig{Run: fake.run})
	require.NoError(t, gh.Merge(context.Background(), 6))
	a, err := gh.GetArtifact(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, PRMerged, a.State)
	assert.Equal(t, "abc123", a.MergeCommit)
}

func TestTargetMilestoneName(t *testing.T) {
	assert.Equal(t, "epic-12", Target{Kind: TargetEpic, Ref: "12"}.MilestoneName())
	assert.True(t, TargetMilestone.IsValid())
	assert.False(t, TargetKind("sprint").IsValid())
}
