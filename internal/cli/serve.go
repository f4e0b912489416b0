package cli

import (
	"fmt"

	"github.com/harun/lysis/internal/daemon"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Lysis daemon in the foreground",
	Long: `Run the Lysis daemon in the foreground.
The gateway accepts JSON-RPC over WebSocket and HTTP until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Lysis gateway listening on %s\n", d.GatewayServer().Addr())
	fmt.Fprintf(out, "Shared secret: %s\n", cfg.Gateway.SharedSecret)

	d.Wait()
	return d.Stop()
}
