package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestKeysCommands(t *testing.T) {
	path := writeConfig(t, nil)
	credentials := filepath.Join(filepath.Dir(path), "credentials.yaml")

	t.Run("set stores the list and resets the cursor", func(t *testing.T) {
		output, err := executeCommand(t, "", "keys", "set", "worker1", "key-one,key-two", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Saved 2 key(s) for worker1")

		data, err := os.ReadFile(credentials)
		require.NoError(t, err)
		var values map[string]string
		require.NoError(t, yaml.Unmarshal(data, &values))
		assert.Equal(t, "key-one,key-two", values["lysis_worker1_api_key"])
		assert.Equal(t, "0", values["lysis_worker1_key_index"])
	})

	t.Run("show masks keys", func(t *testing.T) {
		output, err := executeCommand(t, "", "keys", "show", "--config", path)
		require.NoError(t, err)

		assert.Contains(t, output, "worker1")
		assert.Contains(t, output, "2 key(s)")
		assert.NotContains(t, output, "key-one")
		assert.Contains(t, output, "[fallback]")
	})

	t.Run("clear-index", func(t *testing.T) {
		output, err := executeCommand(t, "", "keys", "clear-index", "worker1", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Rotation cursor of worker1 reset")
	})

	t.Run("rejects unknown roles", func(t *testing.T) {
		_, err := executeCommand(t, "", "keys", "set", "worker3", "k", "--config", path)
		assert.ErrorContains(t, err, "invalid role: worker3")

		_, err = executeCommand(t, "", "keys", "clear-index", "boss", "--config", path)
		assert.ErrorContains(t, err, "invalid role: boss")
	})

	t.Run("rejects empty lists", func(t *testing.T) {
		_, err := executeCommand(t, "", "keys", "set", "agent", " , ", "--config", path)
		assert.ErrorContains(t, err, "key list for agent is empty")
	})
}
