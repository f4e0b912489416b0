package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/harun/lysis/internal/config"
	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage per-role API key lists",
	Long: `Manage the API key lists stored for the agent, worker1 and worker2 roles.
A running daemon watching a file store picks up changes without a restart.`,
}

var keysSetCmd = &cobra.Command{
	Use:   "set <role> <k1,k2,...>",
	Short: "Replace the key list of a role and reset its rotation cursor",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeysSet,
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show masked key lists and rotation cursors",
	Args:  cobra.NoArgs,
	RunE:  runKeysShow,
}

var keysClearIndexCmd = &cobra.Command{
	Use:   "clear-index <role>",
	Short: "Reset the rotation cursor of a role to the first key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysClearIndex,
}

func init() {
	keysCmd.AddCommand(keysSetCmd, keysShowCmd, keysClearIndexCmd)
	rootCmd.AddCommand(keysCmd)
}

// openPool opens the configured store without starting a daemon
func openPool(cmd *cobra.Command) (*keypool.Pool, *config.Config, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := keypool.NewStore(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	settings := llm.Settings{
		Name:      cfg.Provider.Name,
		Model:     cfg.Provider.Model,
		BaseURL:   cfg.Provider.BaseURL,
		MaxTokens: cfg.Provider.MaxTokens,
	}
	pool := keypool.NewPool(store, func(key string) (llm.Provider, error) {
		return llm.NewProvider(settings, key)
	}, zerolog.Nop())

	return pool, cfg, func() { _ = store.Close() }, nil
}

func runKeysSet(cmd *cobra.Command, args []string) error {
	role, err := keypool.ParseRole(args[0])
	if err != nil {
		return err
	}
	if len(keypool.ParseKeys(args[1])) == 0 {
		return fmt.Errorf("key list for %s is empty", role)
	}

	pool, cfg, closeFn, err := openPool(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := config.NewValidator().ValidateKeyList(args[1], cfg.Provider.Name); err != nil {
		return err
	}

	if err := pool.SetKeys(cmd.Context(), role, args[1]); err != nil {
		return fmt.Errorf("failed to save keys: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %d key(s) for %s\n", len(keypool.ParseKeys(args[1])), role)
	return nil
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	pool, _, closeFn, err := openPool(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	status, err := pool.Status(cmd.Context())
	if err != nil {
		return err
	}
	printKeyStatus(cmd.OutOrStdout(), status)
	return nil
}

func runKeysClearIndex(cmd *cobra.Command, args []string) error {
	role, err := keypool.ParseRole(args[0])
	if err != nil {
		return err
	}

	pool, _, closeFn, err := openPool(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := pool.ClearIndex(cmd.Context(), role); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rotation cursor of %s reset\n", role)
	return nil
}

func printKeyStatus(out io.Writer, status []keypool.RoleStatus) {
	for _, s := range status {
		if len(s.Keys) == 0 {
			fmt.Fprintf(out, "%-8s no keys\n", s.Role)
			continue
		}
		var flags []string
		if s.Emergency {
			flags = append(flags, "emergency")
		}
		if s.Fallback {
			flags = append(flags, "fallback")
		}
		line := fmt.Sprintf("%-8s %d key(s), active #%d: %s", s.Role, len(s.Keys), s.Cursor, strings.Join(s.Keys, ", "))
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Fprintln(out, line)
	}
}
