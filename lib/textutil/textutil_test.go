package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTitle(t *testing.T) {
	require.Equal(t, "abort out of macro", NormalizeTitle("  Abort   out of\tMacro "))
	require.Equal(t, "", NormalizeTitle("   "))
}

func TestContainsAny(t *testing.T) {
	require.True(t, ContainsAny("Abort out of Macro", []string{"macro"}))
	require.False(t, ContainsAny("Window layouts", []string{"macro", "indicator"}))
}
