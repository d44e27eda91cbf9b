package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/shmipc", c.RootDir)
	require.Equal(t, "demo", c.Channel)
	require.False(t, c.Debug)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SHMIPC_CHANNEL", "cam0")
	t.Setenv("SHMIPC_DEBUG", "true")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "cam0", c.Channel)
	require.True(t, c.Debug)

	_ = os.Unsetenv("SHMIPC_CHANNEL")
}
