package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := executeCommand(t, "", "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "lysis version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := executeCommand(t, "", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Lysis")
		assert.Contains(t, output, "rotating API keys")
		for _, sub := range []string{"serve", "chat", "keys", "status", "stop", "configure", "version"} {
			assert.Contains(t, output, sub)
		}
	})

	t.Run("help does not leak into later runs", func(t *testing.T) {
		_, err := executeCommand(t, "", "--help")
		require.NoError(t, err)

		output, err := executeCommand(t, "", "stop", "--config", writeConfig(t, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daemon is not running")
		assert.NotContains(t, output, "Usage:")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})
}

func TestVersionCommand(t *testing.T) {
	output, err := executeCommand(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(output, "lysis "+GetVersion()))
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
