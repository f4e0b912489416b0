package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/lysis/internal/config"
	"github.com/harun/lysis/internal/logger"
	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// testConfig runs fully offline: memory store, mock provider and workspace
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Provider.Name = "mock"
	cfg.Store.Backend = "memory"
	cfg.Workspace.Mock = true
	cfg.Scheduler.MinDelayMs = 100
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freePort(t)
	cfg.Gateway.SharedSecret = "daemon-test-secret"
	cfg.Status.Schedule = "@every 1h"
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()
	d, err := New(cfg, testLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	_, err := os.Stat(filepath.Join(cfg.DataDir, "audit.log"))
	assert.NoError(t, err)

	assert.NotNil(t, d.pool)
	assert.NotNil(t, d.retry)
	assert.NotNil(t, d.sched)
	assert.NotNil(t, d.orch)
	assert.NotNil(t, d.pusher)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.lifecycle)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider.Name = "cohere"

	_, err := New(cfg, testLogger(t))
	assert.ErrorContains(t, err, "invalid provider")
}

func TestNewWithoutServices(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), WithoutServices())

	assert.NotNil(t, d.Orchestrator())
	assert.Nil(t, d.GatewayServer())
	assert.Nil(t, d.pusher)
	assert.ErrorContains(t, d.Start(), "without services")
}

func TestNewGeneratesGatewaySecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.SharedSecret = ""

	createTestDaemon(t, cfg)
	assert.Len(t, cfg.Gateway.SharedSecret, 32)
}

func TestSeedKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keys.Agent = "a1,a2"
	cfg.Keys.Worker1 = "w1"

	d := createTestDaemon(t, cfg, WithoutServices())
	ctx := context.Background()

	keys, err := d.Pool().Keys(ctx, keypool.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, keys)

	keys, err = d.Pool().Keys(ctx, keypool.RoleWorker1)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, keys)
}

func TestSeedKeysKeepsStoredLists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "file"
	cfg.Store.Path = filepath.Join(cfg.DataDir, "credentials.yaml")
	require.NoError(t, os.WriteFile(cfg.Store.Path, []byte("lysis_agent_api_key: stored\n"), 0600))
	cfg.Keys.Agent = "from-config"

	d := createTestDaemon(t, cfg, WithoutServices())

	keys, err := d.Pool().Keys(context.Background(), keypool.RoleAgent)
	require.NoError(t, err)
	assert.Equal(t, []string{"stored"}, keys)
}

func TestLoadProfilesAppliesLoopBounds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loops.ManagerMax = 4
	cfg.Loops.WorkerMax = 7

	d := createTestDaemon(t, cfg, WithoutServices())
	profiles, err := d.loadProfiles()
	require.NoError(t, err)

	assert.Equal(t, 4, profiles[keypool.RoleAgent].MaxLoops)
	assert.Equal(t, 7, profiles[keypool.RoleWorker1].MaxLoops)
	assert.Equal(t, 7, profiles[keypool.RoleWorker2].MaxLoops)

	path := filepath.Join(cfg.DataDir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - role: worker2\n    name: API\n    max_loops: 3\n    dir: api\n"), 0600))
	cfg.Workspace.Profiles = path

	profiles, err = d.loadProfiles()
	require.NoError(t, err)
	assert.Equal(t, "api", profiles[keypool.RoleWorker2].Dir)
	assert.Equal(t, 3, profiles[keypool.RoleWorker2].MaxLoops)
	assert.Equal(t, 4, profiles[keypool.RoleAgent].MaxLoops)
}

func TestChatThroughDaemon(t *testing.T) {
	providers := make(map[string]*llm.ScriptedProvider)
	factory := func(key string) (llm.Provider, error) {
		p := llm.NewScriptedProvider(llm.Step{Response: llm.Response{Text: "answered with " + key}}).Named(key)
		providers[key] = p
		return p, nil
	}

	cfg := testConfig(t)
	cfg.Keys.Agent = "agent-key"
	d := createTestDaemon(t, cfg, WithoutServices(), WithClientFactory(factory))

	result, err := d.Orchestrator().Chat(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "answered with agent-key", result.Text)
	require.Contains(t, providers, "agent-key")
	assert.Equal(t, 1, providers["agent-key"].Calls())
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	assert.False(t, d.Status().Running)
	assert.Equal(t, time.Duration(0), d.Status().Uptime)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)
	assert.ErrorContains(t, d.Start(), "already running")

	pid, err := ReadPID(PIDFilePath(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", d.GatewayServer().Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.ErrorContains(t, d.Stop(), "not running")

	_, err = os.Stat(PIDFilePath(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))
}
