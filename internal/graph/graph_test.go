package graph

import (
	"testing"

	"github.com/steveyegge/orchestrate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(id string, deps ...string) types.WorkItem {
	return types.WorkItem{ID: id, Title: "item " + id, State: types.ItemOpen, DependsOn: deps}
}

func closed(id string) types.WorkItem {
	return types.WorkItem{ID: id, Title: "item " + id, State: types.ItemClosed}
}

func TestScheduleDiamond(t *testing.T) {
	g, err := New([]types.WorkItem{
		open("4", "2", "3"),
		open("3", "1"),
		open("2", "1"),
		open("1"),
	})
	require.NoError(t, err)

	waves, err := Schedule(g)
	require.NoError(t, err)
	require.Equal(t, []types.Wave{
		{Number: 1, Items: []string{"1"}},
		{Number: 2, Items: []string{"2", "3"}},
		{Number: 3, Items: []string{"4"}},
	}, waves)
	require.NoError(t, Validate(g, waves))
}

func TestScheduleNaturalOrderWithinWave(t *testing.T) {
	g, err := New([]types.WorkItem{open("10"), open("9"), open("100"), open("2")})
	require.NoError(t, err)
	waves, err := Schedule(g)
	require.NoError(t, err)
	require.Len(t, waves, 1)
	assert.Equal(t, []string{"2", "9", "10", "100"}, waves[0].Items)
}

func TestScheduleCycle(t *testing.T) {
	g, err := New([]types.WorkItem{
		open("1", "2"),
		open("2", "1"),
		open("3"),
		open("4", "2"),
	})
	require.NoError(t, err)

	waves, err := Schedule(g)
	require.Error(t, err)
	assert.Nil(t, waves)

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	// 4 waits on the cycle and can never be scheduled either
	assert.Equal(t, []string{"1", "2", "4"}, cycle.Members)
	assert.Contains(t, err.Error(), "1, 2, 4")
}

func TestNewResolvesClosedAndExternalDependencies(t *testing.T) {
	g, err := New([]types.WorkItem{
		open("5", "1", "99"),
		closed("1"),
		open("6", "5"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, g.Len())
	assert.Nil(t, g.Item("1"))
	assert.Empty(t, g.Dependencies("5"))
	assert.Equal(t, []string{"5"}, g.Dependencies("6"))
	require.Len(t, g.Warnings, 1)
	assert.Contains(t, g.Warnings[0], "99")

	waves, err := Schedule(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"5"}, waves[0].Items)
	assert.Equal(t, []string{"6"}, waves[1].Items)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New([]types.WorkItem{open("1"), open("1")})
	assert.Error(t, err)
	_, err = New([]types.WorkItem{open("1", "1")})
	assert.Error(t, err)
	_, err = New([]types.WorkItem{{ID: "", State: types.ItemOpen}})
	assert.Error(t, err)
}

func TestScheduleEmpty(t *testing.T) {
	g, err := New(nil)
	require.NoError(t, err)
	waves, err := Schedule(g)
	require.NoError(t, err)
	assert.Empty(t, waves)
}

func TestValidateRejectsBadPlacement(t *testing.T) {
	g, err := New([]types.WorkItem{open("1"), open("2", "1")})
	require.NoError(t, err)
	assert.Error(t, Validate(g, []types.Wave{{Number: 1, Items: []string{"1", "2"}}}))
	assert.Error(t, Validate(g, []types.Wave{{Number: 1, Items: []string{"1"}}}))
	assert.Error(t, Validate(g, []types.Wave{
		{Number: 1, Items: []string{"1"}},
		{Number: 2, Items: []string{"2", "1"}},
	}))
}

func TestBlockedTransitive(t *testing.T) {
	g, err := New([]types.WorkItem{
		open("1"),
		open("2", "1"),
		open("3", "1"),
		open("4", "2", "3"),
		open("5"),
		open("6", "5"),
	})
	require.NoError(t, err)

	blocked := Blocked(g, map[string]bool{"1": true})
	assert.Equal(t, map[string][]string{
		"2": {"1"},
		"3": {"1"},
		"4": {"1"},
	}, blocked)

	blocked = Blocked(g, map[string]bool{"2": true, "5": true})
	assert.Equal(t, map[string][]string{
		"4": {"2"},
		"6": {"5"},
	}, blocked)

	assert.Empty(t, Blocked(g, map[string]bool{"4": true}))
	assert.Empty(t, Blocked(g, nil))
}

func TestParseDependencyRefs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"blocked by", "Blocked by #12", []string{"12"}},
		{"depends on list", "Depends on: #3, #4 and #5.", []string{"3", "4", "5"}},
		{"mixed phrases", "requires #7\n\nShould land after #2", []string{"2", "7"}},
		{"duplicates", "blocked by #3; depends on #3", []string{"3"}},
		{"plain mention", "See #8 for context", nil},
		{"code block ignored", "```\nblocked by #9\n```\nfine", nil},
		{"inline code ignored", "use `depends on #4` syntax", nil},
		{"case insensitive", "BLOCKED BY #1", []string{"1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDependencyRefs(tt.body))
		})
	}
}
