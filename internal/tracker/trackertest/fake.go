// Package trackertest provides an in-memory tracker for tests.
package trackertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/steveyegge/orchestrate/internal/tracker"
	"github.com/steveyegge/orchestrate/internal/types"
)

// Fake implements tracker.Source and tracker.PullRequests. Scripted
// responses are consumed in order; the last one repeats.
type Fake struct {
	mu sync.Mutex

	items     []types.WorkItem
	loadErr   error
	artifacts map[string]*tracker.Artifact // by item id
	findErr   error
	checks    map[int][]*tracker.CheckReport
	decisions map[int][]tracker.ReviewDecision
	feedback  map[int]*tracker.Feedback
	mergeErrs map[int][]error
	merged    []int
	calls     []string

	// OnMerge runs after a successful merge, before the artifact is
	// marked merged
	OnMerge func(number int)
}

// New creates an empty fake
func New(items ...types.WorkItem) *Fake {
	return &Fake{
		items:     items,
		artifacts: make(map[string]*tracker.Artifact),
		checks:    make(map[int][]*tracker.CheckReport),
		decisions: make(map[int][]tracker.ReviewDecision),
		feedback:  make(map[int]*tracker.Feedback),
		mergeErrs: make(map[int][]error),
	}
}

// SetLoadError makes LoadItems fail
func (f *Fake) SetLoadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

// SetFindError makes FindArtifact fail
func (f *Fake) SetFindError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findErr = err
}

// SetArtifact registers the artifact of an item
func (f *Fake) SetArtifact(itemID string, a *tracker.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[itemID] = a
}

// Artifact returns a copy of the artifact registered for an item
func (f *Fake) Artifact(itemID string) *tracker.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.artifacts[itemID]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// QueueChecks scripts successive CI polls for a pull request. The last
// report repeats once the others are used up.
func (f *Fake) QueueChecks(number int, reports ...*tracker.CheckReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks[number] = append(f.checks[number], reports...)
}

// ResetChecks drops the scripted CI polls of a pull request
func (f *Fake) ResetChecks(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.checks, number)
}

// QueueDecisions scripts successive review decisions for a pull request
func (f *Fake) QueueDecisions(number int, decisions ...tracker.ReviewDecision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions[number] = append(f.decisions[number], decisions...)
}

// SetFeedback sets the review feedback of a pull request
func (f *Fake) SetFeedback(number int, fb *tracker.Feedback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback[number] = fb
}

// QueueMergeErrors scripts failures for successive merge attempts
func (f *Fake) QueueMergeErrors(number int, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeErrs[number] = append(f.mergeErrs[number], errs...)
}

// Merged returns the pull requests merged so far
func (f *Fake) Merged() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.merged...)
}

// Calls counts recorded calls whose description starts with prefix
func (f *Fake) Calls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// LoadItems returns the configured items
func (f *Fake) LoadItems(ctx context.Context, target tracker.Target) ([]types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("load %s", target)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return append([]types.WorkItem(nil), f.items...), nil
}

// FindArtifact returns the artifact registered for the item unless it is
// closed
func (f *Fake) FindArtifact(ctx context.Context, item types.WorkItem, branch string) (*tracker.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("find %s", item.ID)
	if f.findErr != nil {
		return nil, f.findErr
	}
	a, ok := f.artifacts[item.ID]
	if !ok || a.State == tracker.PRClosed {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// GetArtifact looks an artifact up by number
func (f *Fake) GetArtifact(ctx context.Context, number int) (*tracker.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("get %d", number)
	for _, a := range f.artifacts {
		if a.Number == number {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("pull request %d not found", number)
}

// Checks returns the next scripted CI report, defaulting to passed
func (f *Fake) Checks(ctx context.Context, number int) (*tracker.CheckReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("checks %d", number)
	queue := f.checks[number]
	if len(queue) == 0 {
		return &tracker.CheckReport{Status: tracker.CIPassed}, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		f.checks[number] = queue[1:]
	}
	return next, nil
}

// ReviewDecision returns the next scripted decision, defaulting to none
func (f *Fake) ReviewDecision(ctx context.Context, number int) (tracker.ReviewDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("decision %d", number)
	queue := f.decisions[number]
	if len(queue) == 0 {
		return tracker.ReviewNone, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		f.decisions[number] = queue[1:]
	}
	return next, nil
}

// ReviewFeedback returns the configured feedback
func (f *Fake) ReviewFeedback(ctx context.Context, number int) (*tracker.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("feedback %d", number)
	if fb, ok := f.feedback[number]; ok {
		return fb, nil
	}
	return &tracker.Feedback{}, nil
}

// Merge consumes a scripted error or marks the artifact merged
func (f *Fake) Merge(ctx context.Context, number int) error {
	f.mu.Lock()
	f.record("merge %d", number)
	if queue := f.mergeErrs[number]; len(queue) > 0 {
		err := queue[0]
		f.mergeErrs[number] = queue[1:]
		f.mu.Unlock()
		return err
	}
	hook := f.OnMerge
	f.mu.Unlock()

	if hook != nil {
		hook(number)
	}
	f.MarkMerged(number)
	return nil
}

// MarkMerged flips an artifact to merged as if a human merged it
func (f *Fake) MarkMerged(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.artifacts {
		if a.Number == number {
			a.State = tracker.PRMerged
			a.MergeCommit = fmt.Sprintf("merge%d", number)
		}
	}
	f.merged = append(f.merged, number)
}

var (
	_ tracker.Source       = (*Fake)(nil)
	_ tracker.PullRequests = (*Fake)(nil)
)
