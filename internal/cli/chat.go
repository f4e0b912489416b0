package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/lysis/internal/daemon"
	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	chatMode string
	chatWait bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one message to the manager agent",
	Long: `Send one message to the manager agent and print its reply.
Worker tasks dispatched during the turn are awaited before exiting unless --wait=false.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatMode, "mode", "frontend", "project mode (frontend or fullstack)")
	chatCmd.Flags().BoolVar(&chatWait, "wait", true, "wait for dispatched worker tasks")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	if chatMode != "frontend" && chatMode != "fullstack" {
		return fmt.Errorf("invalid mode: %s (must be frontend or fullstack)", chatMode)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithoutServices())
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := d.Orchestrator()
	orch.SetMode(chatMode)

	out := cmd.OutOrStdout()
	result, err := orch.Chat(ctx, strings.Join(args, " "))
	if err != nil {
		if s, ok := keypool.AsSuspension(err); ok {
			return fmt.Errorf("%w (add keys with: lysis keys set %s <k1,k2>)", s, s.Role)
		}
		return err
	}

	fmt.Fprintln(out, result.Text)
	if result.Truncated {
		fmt.Fprintf(out, "\n(stopped after %d turns)\n", result.Turns)
	}

	if !chatWait {
		return nil
	}
	if err := orch.Wait(ctx); err != nil && err != context.Canceled {
		return err
	}
	printWorkers(out, orch)
	return nil
}

func printWorkers(out io.Writer, orch *orchestrator.Orchestrator) {
	for _, id := range []string{"worker1", "worker2"} {
		state, err := orch.Worker(id)
		if err != nil || state.Task == "" {
			continue
		}
		fmt.Fprintf(out, "\n[%s] %s (%d%%)\n", state.ID, state.Task, state.Progress)
		for _, line := range state.Logs {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
}
