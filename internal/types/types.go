package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ItemState is the state of a work item in the external tracker
type ItemState string

const (
	ItemOpen   ItemState = "open"
	ItemClosed ItemState = "closed"
)

// IsValid checks if the item state value is valid
func (s ItemState) IsValid() bool {
	switch s {
	case ItemOpen, ItemClosed:
		return true
	}
	return false
}

// WorkItem is a unit of work from the external tracker. It is rebuilt from
// the tracker on every run and never persisted.
type WorkItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     ItemState `json:"state"`
	DependsOn []string  `json:"depends_on,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// Validate checks if the work item has valid field values
func (w *WorkItem) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if !w.State.IsValid() {
		return fmt.Errorf("invalid state for %s: %s", w.ID, w.State)
	}
	for _, dep := range w.DependsOn {
		if dep == w.ID {
			return fmt.Errorf("item %s depends on itself", w.ID)
		}
	}
	return nil
}

// IsOpen reports whether the item still needs work
func (w *WorkItem) IsOpen() bool {
	return w.State == ItemOpen
}

// Wave is an ordered batch of items whose dependencies are all satisfied by
// earlier waves. Numbers start at 1.
type Wave struct {
	Number int      `json:"number"`
	Items  []string `json:"items"`
}

// Contains reports whether the wave holds the given item
func (w Wave) Contains(id string) bool {
	for _, item := range w.Items {
		if item == id {
			return true
		}
	}
	return false
}

// LessID orders item ids naturally: numerically when both are integers,
// lexically otherwise. "2" sorts before "10".
func LessID(a, b string) bool {
	ai, aErr := strconv.Atoi(strings.TrimPrefix(a, "#"))
	bi, bErr := strconv.Atoi(strings.TrimPrefix(b, "#"))
	if aErr == nil && bErr == nil {
		return ai < bi
	}
	if aErr == nil {
		return true
	}
	if bErr == nil {
		return false
	}
	return a < b
}

// SortIDs sorts ids in place using LessID
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return LessID(ids[i], ids[j]) })
}

// SafeFileName maps an item id to a name usable as a file or directory name
func SafeFileName(id string) string {
	id = strings.TrimPrefix(id, "#")
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
