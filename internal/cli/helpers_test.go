package cli

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and returns its output.
// Flags are reset first since the command tree is shared across tests.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(t, cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	t.Cleanup(func() { cmd.SetArgs(nil) })

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags restores every flag in the tree to its default, including the
// help and version flags cobra adds on first execution.
func resetFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue))
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(t, sub)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// writeConfig writes an offline config under a temp data dir and returns
// its path. overrides are merged over the top-level sections.
func writeConfig(t *testing.T, overrides map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()

	cfg := map[string]interface{}{
		"provider":  map[string]interface{}{"name": "mock", "model": ""},
		"store":     map[string]interface{}{"backend": "file", "path": filepath.Join(dir, "credentials.yaml")},
		"workspace": map[string]interface{}{"mock": true},
		"scheduler": map[string]interface{}{"min_delay_ms": 100},
		"status":    map[string]interface{}{"enabled": false},
		"gateway": map[string]interface{}{
			"host":          "127.0.0.1",
			"port":          freePort(t),
			"shared_secret": "cli-test-secret",
		},
		"logging":  map[string]interface{}{"level": "error", "file": filepath.Join(dir, "lysis.log")},
		"data_dir": dir,
	}
	for k, v := range overrides {
		cfg[k] = v
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "lysis.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}
