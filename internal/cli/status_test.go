package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/lysis/internal/config"
	"github.com/harun/lysis/internal/daemon"
	"github.com/harun/lysis/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("reports a stopped daemon", func(t *testing.T) {
		path := writeConfig(t, nil)

		output, err := executeCommand(t, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("reports an unreachable gateway", func(t *testing.T) {
		path := writeConfig(t, nil)
		pidFile := daemon.PIDFilePath(filepath.Dir(path))
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

		output, err := executeCommand(t, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, output, "Gateway: unreachable")
	})

	t.Run("queries a running daemon", func(t *testing.T) {
		path := writeConfig(t, nil)
		cfg, err := config.Load(path)
		require.NoError(t, err)

		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		d, err := daemon.New(cfg, log)
		require.NoError(t, err)
		require.NoError(t, d.Start())
		defer d.Stop()

		output, err := executeCommand(t, "", "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "Mode: frontend")
		assert.Contains(t, output, "Worker worker1: idle")
		assert.Contains(t, output, "agent")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
