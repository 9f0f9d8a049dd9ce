package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"inkforge/internal/config"
	"inkforge/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

const version = "0.4.0"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "inkforge",
	Short: "inkforge - agent and model orchestration engine",
	Long: `inkforge coordinates a conversation between you and two agent roles:
chinga_bava (project manager) and tanganaka_san (developer).

Agent responses are routed across local and remote inference backends by
capability and health. State-changing actions the agents propose are held
behind an approval gate until you decide them.

Run without arguments to start the interactive chat.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logging.Initialize(workspace, logConfig(cfg)); err != nil {
			return fmt.Errorf("failed to initialize file logging: %w", err)
		}
		if err := logging.InitAudit(); err != nil {
			return fmt.Errorf("failed to initialize audit logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the inkforge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("inkforge %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".inkforge/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(adaptersCmd)
}

// logConfig maps the loaded config's logging section, with -v forcing debug
// mode so file logs can be turned on without editing the config.
func logConfig(cfg *config.Config) logging.Config {
	lc := cfg.Logging.ToLogging()
	if verbose {
		lc.DebugMode = true
		lc.Level = "debug"
	}
	return lc
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
