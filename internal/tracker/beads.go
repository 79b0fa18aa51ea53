package tracker

import (
	"context"
	"fmt"

	beadsLib "github.com/steveyegge/beads"
	"github.com/steveyegge/orchestrate/internal/types"
)

// beadsStore is the subset of the beads storage API the tracker reads
type beadsStore interface {
	GetIssue(ctx context.Context, id string) (*beadsLib.Issue, error)
	GetDependents(ctx context.Context, id string) ([]*beadsLib.Issue, error)
	GetDependencyRecords(ctx context.Context, id string) ([]*beadsLib.Dependency, error)
	Close() error
}

// Beads reads work items from a beads issue database. An epic's items are
// its parent-child children; "blocks" records become dependency edges.
type Beads struct {
	store beadsStore
}

// OpenBeads opens the beads database at dbPath, creating it if needed
func OpenBeads(ctx context.Context, dbPath string) (*Beads, error) {
	store, err := beadsLib.NewSQLiteStorage(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open beads database: %w", err)
	}
	return &Beads{store: store}, nil
}

// Close closes the beads database
func (b *Beads) Close() error {
	return b.store.Close()
}

// LoadItems returns the children of a beads epic
func (b *Beads) LoadItems(ctx context.Context, target Target) ([]types.WorkItem, error) {
	if target.Kind != TargetEpic {
		return nil, fmt.Errorf("beads tracker supports epic targets only")
	}
	epic, err := b.store.GetIssue(ctx, target.Ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get epic %s: %w", target.Ref, err)
	}
	if epic == nil {
		return nil, fmt.Errorf("epic %s not found", target.Ref)
	}

	dependents, err := b.store.GetDependents(ctx, epic.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get children of %s: %w", epic.ID, err)
	}

	var items []types.WorkItem
	for _, issue := range dependents {
		records, err := b.store.GetDependencyRecords(ctx, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get dependencies of %s: %w", issue.ID, err)
		}
		child := false
		var deps []string
		for _, dep := range records {
			switch string(dep.Type) {
			case "parent-child":
				if dep.DependsOnID == epic.ID {
					child = true
				}
			case "blocks":
				deps = append(deps, dep.DependsOnID)
			}
		}
		if !child {
			continue
		}
		types.SortIDs(deps)

		state := types.ItemOpen
		if string(issue.Status) == "closed" {
			state = types.ItemClosed
		}
		items = append(items, types.WorkItem{
			ID:        issue.ID,
			Title:     issue.Title,
			Body:      issue.Description,
			State:     state,
			DependsOn: deps,
		})
	}
	return items, nil
}
