package graph

import (
	"fmt"
	"strings"

	"github.com/steveyegge/orchestrate/internal/types"
)

// CycleError reports the items that can never become ready
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among items: %s", strings.Join(e.Members, ", "))
}

// Schedule partitions the graph into waves with Kahn's algorithm. Wave 1
// holds every item with no unresolved dependency; wave k holds the items
// whose last dependency was released by wave k-1. Items inside a wave are
// in ascending natural id order. If any item never reaches in-degree zero
// a *CycleError naming all of them is returned and no waves are produced.
func Schedule(g *Graph) ([]types.Wave, error) {
	inDegree := make(map[string]int, g.Len())
	for _, id := range g.IDs() {
		inDegree[id] = len(g.Dependencies(id))
	}

	var ready []string
	for _, id := range g.IDs() {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var waves []types.Wave
	placed := 0
	for len(ready) > 0 {
		types.SortIDs(ready)
		waves = append(waves, types.Wave{Number: len(waves) + 1, Items: ready})
		placed += len(ready)

		var next []string
		for _, id := range ready {
			for _, dependent := range g.Dependents(id) {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if placed != g.Len() {
		var members []string
		for _, id := range g.IDs() {
			if inDegree[id] > 0 {
				members = append(members, id)
			}
		}
		return nil, &CycleError{Members: members}
	}
	return waves, nil
}

// Validate checks that every item sits in a later wave than all of its
// dependencies and appears exactly once
func Validate(g *Graph, waves []types.Wave) error {
	waveOf := make(map[string]int)
	for _, w := range waves {
		for _, id := range w.Items {
			if prev, dup := waveOf[id]; dup {
				return fmt.Errorf("item %s appears in waves %d and %d", id, prev, w.Number)
			}
			waveOf[id] = w.Number
		}
	}
	for _, id := range g.IDs() {
		n, ok := waveOf[id]
		if !ok {
			return fmt.Errorf("item %s is not scheduled", id)
		}
		for _, dep := range g.Dependencies(id) {
			if waveOf[dep] >= n {
				return fmt.Errorf("item %s in wave %d depends on %s in wave %d", id, n, dep, waveOf[dep])
			}
		}
	}
	return nil
}
