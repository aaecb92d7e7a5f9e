// Package cmd implements the jobsup command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/jobsup/internal/config"
	"github.com/3leaps/jobsup/internal/observability"
	"github.com/3leaps/jobsup/pkg/jobregistry"
)

type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo is called from main with values injected at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile string
	verbose bool
	baseDir string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jobsup",
	Short: "Run and supervise detached background jobs",
	Long: `jobsup starts functions as detached worker processes and tracks them on disk.

Each job lives in <base_dir>/<job_id>/ with a YAML status record that any
jobsup process sharing the base dir can read. Jobs keep running after the
starting command exits.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/jobsup/jobsup.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Jobs directory (overrides base_dir)")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	var overrides []map[string]any
	if baseDir != "" {
		overrides = append(overrides, map[string]any{"base_dir": baseDir})
	}

	cfg, err := config.LoadFile(commandContext(cmd), cfgFile, overrides...)
	if err != nil {
		return err
	}
	appConfig = cfg

	// Workers are re-executed without flags and pick the file up from here.
	if cfgFile != "" {
		abs, err := filepath.Abs(cfgFile)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		if err := os.Setenv(config.FileEnv, abs); err != nil {
			return fmt.Errorf("export config path: %w", err)
		}
	}

	level, err := observability.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if verbose {
		observability.InitCLILogger("jobsup", true)
	} else {
		observability.CLILogger = observability.NewLogger("jobsup", level, cfg.Logging.Format, zapcore.Lock(os.Stderr))
	}

	observability.CLILogger.Debug("Loaded config",
		zap.String("base_dir", cfg.BaseDir),
		zap.String("config_file", cfgFile))
	return nil
}

// newManager builds the manager for the loaded config.
func newManager() (*jobregistry.Manager, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return jobregistry.NewManager(jobregistry.Config{
		BaseDir:          appConfig.BaseDir,
		Registry:         Registry(),
		Logger:           observability.CLILogger,
		PollInterval:     appConfig.Worker.PollInterval,
		StopGracePeriod:  appConfig.Stop.GracePeriod,
		StopPollInterval: appConfig.Stop.PollInterval,
		SpawnGracePeriod: appConfig.SpawnGracePeriod,
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
