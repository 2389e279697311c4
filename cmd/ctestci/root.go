package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ctestci/internal/app"
	"ctestci/internal/config"
	"ctestci/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

// configEnv names the config file when --config is not given.
const configEnv = "CTESTCI_CONFIG"

var rootFlags struct {
	config   string
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:   "ctestci",
	Short: "Run a CTest experimental dashboard for the commit under test",
	Long: "ctestci runs the CTest update step, stamps the commit under test into\n" +
		"Testing/Update.xml, then runs the experimental build, test and submit step\n" +
		"and exits with its status.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPipeline,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.config, "config", "", "Config file path (default $"+configEnv+")")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error or none")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: app.ExitUsage, err: err}
	})
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
}

func loadConfig() (config.Config, error) {
	path := rootFlags.config
	if path == "" {
		path = os.Getenv(configEnv)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if rootFlags.logLevel != "" {
		cfg.LogLevel = rootFlags.logLevel
	}
	return cfg, nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: log level %q: %v", config.ErrInvalid, cfg.LogLevel, err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := app.Command{
		Config:   cfg,
		Revision: os.Getenv(cfg.RevisionEnv),
		Logger:   logger,
		Console:  cmd.OutOrStdout(),
	}.Run(ctx)
	if err != nil {
		logger.Error("run aborted", zap.Error(err), zap.Int("exit_code", result.ExitCode))
		return &exitError{code: result.ExitCode, err: err}
	}
	if result.ExitCode != 0 {
		return &exitError{code: result.ExitCode}
	}
	return nil
}
