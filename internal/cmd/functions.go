package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/jobsup/internal/config"
	"github.com/3leaps/jobsup/internal/observability"
	"github.com/3leaps/jobsup/pkg/jobregistry"
)

// WorkerLogFileName is the worker's own log inside the job directory.
const WorkerLogFileName = "worker.log"

type SleepArgs struct {
	Seconds float64 `json:"seconds"`
	Message string  `json:"message"`
}

type EchoArgs struct {
	Message string `json:"message"`
}

type FailArgs struct {
	Message string `json:"message"`
}

type LoopArgs struct {
	Interval string `json:"interval"`
}

var (
	registryOnce sync.Once
	registry     *jobregistry.Registry
)

// Registry returns the functions this binary can run as jobs. The parent and
// every worker build the same one.
func Registry() *jobregistry.Registry {
	registryOnce.Do(func() {
		registry = jobregistry.NewRegistry()
		jobregistry.Register(registry, "sleep", runSleep)
		jobregistry.Register(registry, "echo", runEcho)
		jobregistry.Register(registry, "fail", runFail)
		jobregistry.Register(registry, "loop", runLoop)
	})
	return registry
}

func runSleep(jc jobregistry.JobContext, args SleepArgs) error {
	total := time.Duration(args.Seconds * float64(time.Second))
	deadline := time.Now().Add(total)
	for remaining := total; remaining > 0; remaining = time.Until(deadline) {
		jc.SendProgressUpdate(fmt.Sprintf("%.0fs remaining", remaining.Seconds()))
		time.Sleep(min(remaining, time.Second))
	}
	msg := args.Message
	if msg == "" {
		msg = fmt.Sprintf("slept %s", total)
	}
	jc.SendResult(msg)
	return nil
}

func runEcho(jc jobregistry.JobContext, args EchoArgs) error {
	jc.SendResult(args.Message)
	return nil
}

func runFail(jc jobregistry.JobContext, args FailArgs) error {
	msg := args.Message
	if msg == "" {
		msg = "job failed on request"
	}
	jc.SendProgressUpdate("failing")
	return errors.New(msg)
}

// runLoop runs until stopped.
func runLoop(jc jobregistry.JobContext, args LoopArgs) error {
	interval := time.Second
	if args.Interval != "" {
		d, err := time.ParseDuration(args.Interval)
		if err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
		interval = d
	}
	for i := 1; ; i++ {
		jc.SendProgressUpdate(fmt.Sprintf("iteration %d", i))
		time.Sleep(interval)
	}
}

// RunWorker is the worker entry point. main calls it when
// jobregistry.IsWorkerProcess reports true.
func RunWorker() int {
	level := workerLogLevel()
	return jobregistry.RunWorker(Registry(), jobregistry.WorkerOptions{
		NewLogger: func(workDir string) *zap.Logger {
			return observability.NewWorkerLogger(filepath.Join(workDir, WorkerLogFileName), level)
		},
	})
}

// workerLogLevel reads worker.log_level from the same config file as the
// parent, which exports its path in $JOBSUP_CONFIG_FILE.
func workerLogLevel() zapcore.Level {
	cfg, err := config.Load(context.Background())
	if err != nil {
		return zapcore.InfoLevel
	}
	level, err := observability.ParseLevel(cfg.Worker.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "List the functions jobs can run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(Registry().Names(), "\n"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(functionsCmd)
}
