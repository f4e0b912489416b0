package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/lysis/pkg/keypool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfileFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestProfileLoader_LoadFromFile(t *testing.T) {
	loader := NewProfileLoader(zerolog.Nop())

	t.Run("should load YAML profiles", func(t *testing.T) {
		path := writeProfileFile(t, "profiles.yaml", `
profiles:
  - role: worker1
    system: Build with plain HTML.
    max_loops: 5
  - role: agent
    name: lead
`)
		profiles, err := loader.LoadFromFile(path)
		require.NoError(t, err)
		require.Len(t, profiles, 2)
		assert.Equal(t, keypool.RoleWorker1, profiles[0].Role)
		assert.Equal(t, 5, profiles[0].MaxLoops)
		assert.Equal(t, "lead", profiles[1].Name)
	})

	t.Run("should load JSON profiles", func(t *testing.T) {
		path := writeProfileFile(t, "profiles.json", `{"profiles":[{"role":"worker2","dir":"api"}]}`)
		profiles, err := loader.LoadFromFile(path)
		require.NoError(t, err)
		require.Len(t, profiles, 1)
		assert.Equal(t, "api", profiles[0].Dir)
	})

	t.Run("should reject unsupported formats", func(t *testing.T) {
		path := writeProfileFile(t, "profiles.toml", `profiles = []`)
		_, err := loader.LoadFromFile(path)
		assert.ErrorContains(t, err, "unsupported profile file format")
	})

	t.Run("should report missing files", func(t *testing.T) {
		_, err := loader.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorContains(t, err, "profile file not found")
	})

	t.Run("should report malformed files", func(t *testing.T) {
		path := writeProfileFile(t, "profiles.yaml", "profiles: [unclosed")
		_, err := loader.LoadFromFile(path)
		assert.ErrorContains(t, err, "failed to parse YAML profiles")
	})
}

func TestProfileLoader_Merge(t *testing.T) {
	loader := NewProfileLoader(zerolog.Nop())

	t.Run("should overlay only the fields that are set", func(t *testing.T) {
		merged, err := loader.Merge(DefaultProfiles(), []Profile{{Role: keypool.RoleWorker1, MaxLoops: 3}})
		require.NoError(t, err)

		w1 := merged[keypool.RoleWorker1]
		assert.Equal(t, 3, w1.MaxLoops)
		assert.Equal(t, "client", w1.Dir)
		assert.Equal(t, worker1System, w1.System)
		assert.Equal(t, DefaultProfiles()[keypool.RoleWorker2], merged[keypool.RoleWorker2])
	})

	t.Run("should not modify the base map", func(t *testing.T) {
		base := DefaultProfiles()
		_, err := loader.Merge(base, []Profile{{Role: keypool.RoleAgent, System: "other"}})
		require.NoError(t, err)
		assert.Equal(t, managerSystem, base[keypool.RoleAgent].System)
	})

	t.Run("should reject unknown roles", func(t *testing.T) {
		_, err := loader.Merge(DefaultProfiles(), []Profile{{Role: "worker3"}})
		assert.Error(t, err)
	})

	t.Run("should reject duplicate roles", func(t *testing.T) {
		_, err := loader.Merge(DefaultProfiles(), []Profile{{Role: keypool.RoleAgent}, {Role: keypool.RoleAgent}})
		assert.ErrorContains(t, err, "duplicate profile")
	})

	t.Run("should reject negative loop bounds", func(t *testing.T) {
		_, err := loader.Merge(DefaultProfiles(), []Profile{{Role: keypool.RoleAgent, MaxLoops: -1}})
		assert.ErrorContains(t, err, "max_loops")
	})
}

func TestProfileLoader_Load(t *testing.T) {
	loader := NewProfileLoader(zerolog.Nop())

	t.Run("should return defaults for an empty path", func(t *testing.T) {
		profiles, err := loader.Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultProfiles(), profiles)
	})

	t.Run("should merge the file over defaults", func(t *testing.T) {
		path := writeProfileFile(t, "profiles.yml", "profiles:\n  - role: worker2\n    max_loops: 7\n")
		profiles, err := loader.Load(path)
		require.NoError(t, err)
		assert.Equal(t, 7, profiles[keypool.RoleWorker2].MaxLoops)
		assert.Equal(t, 10, profiles[keypool.RoleAgent].MaxLoops)
	})
}

func TestWorkerPrompt(t *testing.T) {
	p := DefaultProfiles()[keypool.RoleWorker2]

	t.Run("should restrict the environment in mock mode", func(t *testing.T) {
		prompt := workerPrompt(p, "add an API", true)
		assert.Contains(t, prompt, "TASK: add an API")
		assert.Contains(t, prompt, "Shell commands are disabled")
		assert.Contains(t, prompt, "'server/'")
	})

	t.Run("should describe the directory rules otherwise", func(t *testing.T) {
		prompt := workerPrompt(p, "add an API", false)
		assert.Contains(t, prompt, "Worker 2 (Backend)")
		assert.Contains(t, prompt, "cd server && <command>")
		assert.NotContains(t, prompt, "disabled")
	})
}
