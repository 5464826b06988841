package orchestrator

import (
	"math/rand"
	"testing"

	"github.com/cuemby/flotilla/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologicalSort(t *testing.T) {
	tests := []struct {
		name    string
		entries []Dependency
		want    []string
	}{
		{
			name: "no dependencies keeps input order",
			entries: []Dependency{
				{Name: "c"}, {Name: "a"}, {Name: "b"},
			},
			want: []string{"c", "a", "b"},
		},
		{
			name: "dependency emitted first",
			entries: []Dependency{
				{Name: "web", Deps: []string{"db"}},
				{Name: "db"},
			},
			want: []string{"db", "web"},
		},
		{
			name: "satisfied within the same pass",
			entries: []Dependency{
				{Name: "db"},
				{Name: "cache", Deps: []string{"db"}},
				{Name: "web", Deps: []string{"cache", "db"}},
			},
			want: []string{"db", "cache", "web"},
		},
		{
			name: "self reference ignored",
			entries: []Dependency{
				{Name: "a", Deps: []string{"a"}},
			},
			want: []string{"a"},
		},
		{
			name: "empty",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SortAll(tt.entries)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTopologicalSortCycle(t *testing.T) {
	entries := []Dependency{
		{Name: "root"},
		{Name: "a", Deps: []string{"b"}},
		{Name: "b", Deps: []string{"a"}},
	}

	ordering := TopologicalSort(entries)
	name, ok, err := ordering.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "root", name)

	_, ok, err = ordering.Next()
	assert.False(t, ok)
	var cyc *types.CyclicDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.ElementsMatch(t, []string{"a", "b"}, cyc.Names)

	// The failure sticks
	_, _, err = ordering.Next()
	assert.ErrorAs(t, err, &cyc)

	got, err := SortAll(entries)
	assert.Nil(t, got)
	assert.Error(t, err)
}

// Every emitted name appears after all of its dependencies
func TestTopologicalSortRespectsDependencies(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	for round := 0; round < 50; round++ {
		perm := rng.Perm(len(names))
		entries := make([]Dependency, len(names))
		for i, p := range perm {
			var deps []string
			// Only depend on names earlier in the permutation so the graph is acyclic
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, names[perm[j]])
				}
			}
			entries[i] = Dependency{Name: names[p], Deps: deps}
		}
		rng.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })

		got, err := SortAll(entries)
		require.NoError(t, err)
		require.Len(t, got, len(names))

		pos := make(map[string]int, len(got))
		for i, name := range got {
			pos[name] = i
		}
		for _, entry := range entries {
			for _, dep := range entry.Deps {
				assert.Less(t, pos[dep], pos[entry.Name], "%s before %s", dep, entry.Name)
			}
		}
	}
}
