package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/harun/lysis/internal/config"
	"github.com/harun/lysis/internal/daemon"
	"github.com/harun/lysis/pkg/gateway"
	"github.com/harun/lysis/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the Lysis daemon.
When the daemon is running its gateway is queried for workers, keys and pending recoveries.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	status, err := fetchStatus(cfg)
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}
	printStatus(out, status)
	return nil
}

// fetchStatus calls status.get on the local gateway over HTTP
func fetchStatus(cfg *config.Config) (*orchestrator.Status, error) {
	body, _ := json.Marshal(gateway.RPCRequest{JSONRPC: "2.0", ID: "cli-status", Method: "status.get"})
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("http://%s:%d/rpc", cfg.Gateway.Host, cfg.Gateway.Port), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SecretHeader, cfg.Gateway.SharedSecret)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var rpc struct {
		Result *orchestrator.Status `json:"result"`
		Error  *gateway.RPCError    `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if rpc.Error != nil {
		return nil, rpc.Error
	}
	if rpc.Result == nil {
		return nil, fmt.Errorf("empty status response")
	}
	return rpc.Result, nil
}

func printStatus(out io.Writer, s *orchestrator.Status) {
	fmt.Fprintf(out, "Mode: %s\n", s.Mode)
	if s.Waiting {
		fmt.Fprintln(out, "Manager: waiting for workers")
	}
	fmt.Fprintf(out, "Scheduler: %d pending, %d completed, %d failed, min delay %s\n",
		s.Scheduler.Pending, s.Scheduler.Completed, s.Scheduler.Failed, s.Scheduler.MinDelay)

	for _, w := range s.Workers {
		state := "idle"
		if w.Busy {
			state = fmt.Sprintf("busy %d%%", w.Progress)
		}
		fmt.Fprintf(out, "Worker %s: %s", w.ID, state)
		if w.Task != "" {
			fmt.Fprintf(out, " (%s)", w.Task)
		}
		fmt.Fprintln(out)
	}

	printKeyStatus(out, s.Keys)

	for _, p := range s.Pending {
		fmt.Fprintf(out, "Suspended %s [%s] %s: %s\n", p.ID, p.Role, p.Operation, p.Message)
	}
	if len(s.Processes) > 0 {
		fmt.Fprintf(out, "Processes: %d running\n", len(s.Processes))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
