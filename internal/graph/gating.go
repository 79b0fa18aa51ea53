package graph

import "github.com/steveyegge/orchestrate/internal/types"

// Blocked returns every item that depends, directly or transitively, on a
// failed item, mapped to the failed items it is blocked by. Failed items
// themselves are not included.
func Blocked(g *Graph, failed map[string]bool) map[string][]string {
	blocked := make(map[string][]string)
	for _, root := range sortedKeys(failed) {
		if g.Item(root) == nil {
			continue
		}
		visited := map[string]bool{root: true}
		queue := append([]string(nil), g.Dependents(root)...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if visited[id] {
				continue
			}
			visited[id] = true
			if !failed[id] {
				blocked[id] = append(blocked[id], root)
			}
			queue = append(queue, g.Dependents(id)...)
		}
	}
	return blocked
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			keys = append(keys, k)
		}
	}
	types.SortIDs(keys)
	return keys
}
