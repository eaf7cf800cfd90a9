package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimilarTitles(t *testing.T) {
	require.True(t, similarTitles("Abort out of macro", "abort out of Macro"))
	require.True(t, similarTitles("Window layouts", "Window layout"))
	require.False(t, similarTitles("Window layouts", "Abort out of macro"))
	require.False(t, similarTitles("", "Window layouts"))
}

func TestGroupSimilarTitles(t *testing.T) {
	groups := groupSimilarTitles(map[string]string{
		"1": "Abort out of macro",
		"2": "abort out of macro?",
		"3": "Window layouts",
		"4": "Window layout",
		"5": "Completely unrelated topic",
	})

	require.Len(t, groups, 2, "singletons are dropped")
	for _, g := range groups {
		require.Len(t, g.threadIDs, 2)
	}
}
