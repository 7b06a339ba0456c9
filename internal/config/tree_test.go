package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultFillsSpecBudgets(t *testing.T) {
	tree := Default()
	require.Equal(t, ":80", tree.Server.Listen)
	require.EqualValues(t, 8<<20, tree.Server.MaxRequestSize)
	require.EqualValues(t, 1<<20, tree.Server.BodySpillThreshold)
	require.Equal(t, "info", tree.LogLevel)
	require.NotNil(t, tree.FastCGI)
	require.NotNil(t, tree.PluginOpt)
}
