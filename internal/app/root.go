package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/extmon/internal/config"
	"github.com/blackwell-systems/extmon/internal/logging"
	"github.com/blackwell-systems/extmon/internal/store"
)

var (
	configDir string
	dbPath    string
	backend   string
	logLevel  string

	// RootCmd is the root command for extmon
	RootCmd = &cobra.Command{
		Use:   "extmon",
		Short: "Browser extension activity monitor",
		Long: `extmon tracks what installed browser extensions do: which domains they
contact, which resource types they fetch and how much CPU and memory they use.

IMPORTANT: Statistics are only collected while 'extmon watch' is running.
Without it, 'extmon stats' shows only the extension metadata from the last
'extmon resync'.

Quick Start:
  1. extmon resync
  2. extmon watch --daemon  # Keep this running!
  3. extmon stats

Features:
  • Extension inventory read straight from the browser profile
  • Per-extension request counts by domain and resource type
  • CPU and memory samples from an external probe
  • SQLite or passphrase-encrypted storage

Examples:
  # Check daemon status
  extmon status

  # Pick up newly installed extensions
  extmon resync

  # Start monitoring
  extmon watch --daemon

  # Show one extension in detail
  extmon stats --extension nmmhkkegccagdldgiimedpiccmgmieda`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "extmon: browser extension activity monitor")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Tip: Run 'extmon status' to check monitoring status.")
			fmt.Fprintln(out, "     Run 'extmon stats' to view collected statistics.")
			fmt.Fprintln(out, "     Run 'extmon --help' for all commands.")
			return nil
		},
	}
)

func init() {
	// Global flags
	RootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config directory (default: $XDG_CONFIG_HOME/extmon)")
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "store path, overriding the config file")
	RootCmd.PersistentFlags().StringVar(&backend, "backend", "", "storage backend: sqlite, encrypted or memory")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	RootCmd.SuggestionsMinimumDistance = 2

	RootCmd.AddCommand(watchCmd)
	RootCmd.AddCommand(resyncCmd)
}

// Execute runs the root command
func Execute() error {
	return RootCmd.Execute()
}

// loadConfig reads config.yaml and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	dir := configDir
	if dir == "" {
		d, err := config.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		dir = d
	}
	dataDir, err := getDataDir()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(dir, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if backend != "" {
		cfg.Backend = backend
	}
	if dbPath != "" {
		if cfg.Backend == store.BackendEncrypted {
			cfg.LevelDB = dbPath
		} else {
			cfg.Database = dbPath
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the config and initializes logging for a command.
func setup() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(os.Stderr, cfg.LogLevel); err != nil {
		logging.Root().Warn("unknown log level, using info", "level", cfg.LogLevel)
	}
	return cfg, nil
}

// forwardedFlags returns the global flags set on this invocation, for
// passing on to the daemon child.
func forwardedFlags() []string {
	var args []string
	for _, f := range []struct{ name, value string }{
		{"config", configDir},
		{"db", dbPath},
		{"backend", backend},
		{"log-level", logLevel},
	} {
		if f.value != "" {
			args = append(args, "--"+f.name, f.value)
		}
	}
	return args
}
