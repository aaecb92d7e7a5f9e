package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobsup/internal/observability"
	"github.com/3leaps/jobsup/internal/server"
	"github.com/3leaps/jobsup/internal/server/handlers"
	"github.com/3leaps/jobsup/pkg/jobregistry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the jobs HTTP API and run scheduled housekeeping",
	Long: `Serve the jobs HTTP API on server.host:server.port.

Housekeeping runs on startup and then every housekeeping.interval. Jobs
outlive the server unless --stop-jobs-on-exit is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().Bool("stop-jobs-on-exit", false, "Stop all running stoppable jobs on shutdown")
}

// baseDirHealthChecker fails when the jobs directory is missing or not a
// directory.
type baseDirHealthChecker struct {
	dir string
}

func (c baseDirHealthChecker) CheckHealth(_ context.Context) error {
	fi, err := os.Stat(c.dir)
	if err != nil {
		return fmt.Errorf("base dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("base dir %s is not a directory", c.dir)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := observability.CLILogger

	host := cfg.Server.Host
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		host = h
	}
	port := cfg.Server.Port
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		port = p
	}
	stopOnExit, _ := cmd.Flags().GetBool("stop-jobs-on-exit")

	m, err := newManager()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := startHousekeeping(m, cfg.JobClasses(), cfg.Housekeeping.Interval, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("Scheduler shutdown failed", zap.Error(err))
		}
	}()

	srv := server.New(host, port, m,
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
	)
	srv.Health().RegisterChecker("base_dir", baseDirHealthChecker{dir: m.BaseDir()})

	runErr := srv.Run(ctx, cfg.Server.ShutdownTimeout)

	if stopOnExit {
		logger.Info("Stopping running jobs")
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Stop.GracePeriod+cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := m.StopAll(stopCtx, ""); err != nil {
			logger.Warn("Stopping jobs failed", zap.Error(err))
		}
	}
	return runErr
}

// startHousekeeping runs housekeeping now and then every interval. A run that
// overlaps the previous one is skipped.
func startHousekeeping(m *jobregistry.Manager, classes []jobregistry.JobClass, interval time.Duration, logger *zap.Logger) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			deleted := m.Housekeep(classes)
			if len(deleted) > 0 {
				logger.Info("Housekeeping deleted jobs", zap.Strings("job_ids", deleted))
			}
		}),
		gocron.WithName("housekeeping"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule housekeeping: %w", err)
	}

	sched.Start()
	logger.Debug("Housekeeping scheduled", zap.Duration("interval", interval), zap.Int("classes", len(classes)))
	return sched, nil
}
