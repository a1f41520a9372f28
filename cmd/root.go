package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Shugur-Network/relaymux/internal/application"
	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/logger"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for relaymux
var rootCmd = &cobra.Command{
	Use:   "relaymux",
	Short: "relaymux shares Nostr relay connections between many clients",
	Long: `relaymux keeps one websocket per Nostr relay and multiplexes subscriptions
and publishes from many ports over it. It also ranks, picks and benchmarks relays.`,
	Example: `
  relaymux start --ws-addr :8090 --storage badger
  relaymux start --log-level debug --metrics-port 9090
  relaymux rank npub1...
  relaymux groups list`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for version command
		if cmd.Name() == "version" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("ws-addr") {
			cfg.Broker.WSAddr, _ = flags.GetString("ws-addr")
		}
		if flags.Changed("storage") {
			cfg.Storage.Backend, _ = flags.GetString("storage")
		}
		if flags.Changed("storage-path") {
			cfg.Storage.Path, _ = flags.GetString("storage-path")
		}
		if flags.Changed("storage-url") {
			cfg.Storage.URL, _ = flags.GetString("storage-url")
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, err = strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("invalid metrics port %q", portStr)
			}
		}
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
		}
		if flags.Changed("log-file") {
			cfg.Logging.FilePath, _ = flags.GetString("log-file")
		}
		if flags.Changed("log-format") {
			cfg.Logging.Format, _ = flags.GetString("log-format")
		}

		if err := config.Validate(cfg); err != nil {
			return err
		}
		return config.InitLogging(cfg.Logging)
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Default behavior: show help when no subcommand is provided
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printWelcomeBanner() {
	fmt.Println("           _                                  ")
	fmt.Println("  _ __ ___| | __ _ _   _ _ __ ___  _   ___  __")
	fmt.Println(" | '__/ _ \\ |/ _` | | | | '_ ` _ \\| | | \\ \\/ /")
	fmt.Println(" | | |  __/ | (_| | |_| | | | | | | |_| |>  < ")
	fmt.Println(" |_|  \\___|_|\\__,_|\\__, |_| |_| |_|\\__,_/_/\\_\\")
	fmt.Println("                   |___/                      ")
	fmt.Println()
}

// withNode builds a node for one command and shuts it down afterwards.
// The node is not started: no listener, no seed connections.
func withNode(cmd *cobra.Command, fn func(ctx context.Context, n *application.Node) error) error {
	ctx := cmd.Context()
	n, err := application.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Shutdown()
	return fn(ctx, n)
}

// init is automatically called before main(), sets up flags and commands
func init() {
	// Add persistent flags (inherited by all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")

	rootCmd.PersistentFlags().String("ws-addr", ":8090", "Broker listen address")
	rootCmd.PersistentFlags().String("storage", "badger", "Storage backend (memory, badger, sqlite, postgres, redis)")
	rootCmd.PersistentFlags().String("storage-path", "", "Data path for badger or sqlite")
	rootCmd.PersistentFlags().String("storage-url", "", "Connection URL for postgres")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-file", "", "Path to the log file")
	rootCmd.PersistentFlags().String("log-format", "console", "Log output format (console or json)")
	rootCmd.PersistentFlags().String("metrics-port", "0", "Separate port for Prometheus metrics (0 serves them on the broker listener)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relaymux",
		Long:  "Print the version number of relaymux along with build information",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relaymux broker",
		Long:  "Start the broker: connect the seed relays and serve ports on /ws until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			printWelcomeBanner()
			logger.Info("Using config file", zap.String("config_file", cfgFile))

			// Use the context passed down from main.go
			ctx := cmd.Context()

			metrics.RegisterMetrics()

			logger.Info("Starting relaymux...")
			app, err := application.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize relaymux: %w", err)
			}
			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return fmt.Errorf("failed to start relaymux: %w", err)
			}
			logger.Info("relaymux started", zap.String("ws_addr", cfg.Broker.WSAddr))

			// Block until a signal or a listener failure
			<-app.Done()
			logger.Info("Shutdown signal received, initiating graceful shutdown...")
			app.Shutdown()
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd, startCmd)
	rootCmd.AddCommand(selectionCommands()...)
	rootCmd.AddCommand(groupsCommand())
}
