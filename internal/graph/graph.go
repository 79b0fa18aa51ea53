// Package graph builds the dependency graph over open work items and
// partitions it into waves.
package graph

import (
	"fmt"

	"github.com/steveyegge/orchestrate/internal/types"
)

// Graph is the dependency graph over the open items of a target. Edges only
// connect items that are both in the candidate set.
type Graph struct {
	items      map[string]*types.WorkItem
	deps       map[string][]string // item -> items it waits on
	dependents map[string][]string // item -> items waiting on it
	// Warnings lists dependency edges that were dropped while building
	Warnings []string
}

// New builds a graph from the tracker's items. Closed items are not
// candidates; a dependency on a closed item is satisfied. A dependency on
// an item outside the candidate set is ignored and reported in Warnings.
func New(items []types.WorkItem) (*Graph, error) {
	g := &Graph{
		items:      make(map[string]*types.WorkItem),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	closed := make(map[string]bool)
	for i := range items {
		item := items[i]
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("invalid work item: %w", err)
		}
		if !item.IsOpen() {
			closed[item.ID] = true
			continue
		}
		if _, dup := g.items[item.ID]; dup {
			return nil, fmt.Errorf("duplicate work item %s", item.ID)
		}
		g.items[item.ID] = &item
	}

	for id, item := range g.items {
		seen := make(map[string]bool)
		for _, dep := range item.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			switch {
			case closed[dep]:
			case g.items[dep] == nil:
				g.Warnings = append(g.Warnings,
					fmt.Sprintf("%s depends on %s, which is not part of this target; ignoring", id, dep))
			default:
				g.deps[id] = append(g.deps[id], dep)
				g.dependents[dep] = append(g.dependents[dep], id)
			}
		}
	}
	for id := range g.deps {
		types.SortIDs(g.deps[id])
	}
	for id := range g.dependents {
		types.SortIDs(g.dependents[id])
	}
	types.SortIDs(g.Warnings)
	return g, nil
}

// Len returns the number of candidate items
func (g *Graph) Len() int {
	return len(g.items)
}

// Item returns a candidate item, or nil
func (g *Graph) Item(id string) *types.WorkItem {
	return g.items[id]
}

// IDs returns all candidate ids in natural order
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.items))
	for id := range g.items {
		ids = append(ids, id)
	}
	types.SortIDs(ids)
	return ids
}

// Dependencies returns the unresolved dependencies of id
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the items directly waiting on id
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}
