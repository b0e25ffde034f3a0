package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickExitRespectsConstraint(t *testing.T) {
	candidates := []ExitStatus{
		{ID: "a", Country: "US", Load: 0.1},
		{ID: "b", Country: "DE", Load: 0.1},
		{ID: "c", Country: "US", Load: 0.2},
	}
	picked, err := PickExit(candidates, Constraint{Kind: Country, CC: "US"}, "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, "US", picked.Country)
}

func TestPickExitExcludesFullyLoaded(t *testing.T) {
	candidates := []ExitStatus{
		{ID: "a", Load: 1.0},
	}
	_, err := PickExit(candidates, Constraint{Kind: Auto}, "1.2.3.4")
	require.Error(t, err)
}

func TestPickExitIsDeterministicForSameInputs(t *testing.T) {
	candidates := []ExitStatus{
		{ID: "a", Load: 0.3},
		{ID: "b", Load: 0.5},
		{ID: "c", Load: 0.1},
	}
	p1, err := PickExit(candidates, Constraint{Kind: Auto}, "9.9.9.9")
	require.NoError(t, err)
	p2, err := PickExit(candidates, Constraint{Kind: Auto}, "9.9.9.9")
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID)
}

func TestPickExitVariesWithClientKey(t *testing.T) {
	candidates := []ExitStatus{
		{ID: "a", Load: 0.3},
		{ID: "b", Load: 0.3},
		{ID: "c", Load: 0.3},
		{ID: "d", Load: 0.3},
	}
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		p, err := PickExit(candidates, Constraint{Kind: Auto}, randomIsh(i))
		require.NoError(t, err)
		seen[p.ID] = true
	}
	require.Greater(t, len(seen), 1)
}

func randomIsh(i int) string {
	return string(rune('a' + i%26))
}
