package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const followPollInterval = 250 * time.Millisecond

var logsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show a job's captured output",
	Long: `Show what a job's worker wrote to stdout and stderr.

--stream worker shows the worker's own log instead. --follow keeps printing
new output until the job is no longer running.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().String("stream", "output", "Which log to show: output or worker")
	logsCmd.Flags().Int("tail", 0, "Only print the last N lines (0 = all)")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow output while the job runs")
}

func runLogs(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])

	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))

	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	m, err := newManager()
	if err != nil {
		return err
	}
	j, err := m.Job(jobID)
	if err != nil {
		return err
	}
	if !j.Exists() {
		return fmt.Errorf("job not found: %s", jobID)
	}

	var path string
	switch stream {
	case "", "output":
		path = j.OutputPath()
	case "worker":
		path = filepath.Join(j.WorkDir(), WorkerLogFileName)
	default:
		return fmt.Errorf("invalid --stream %q (expected output or worker)", stream)
	}

	out := cmd.OutOrStdout()
	if follow {
		return followLog(commandContext(cmd), out, path, j.IsRunning)
	}
	return printLogTail(out, path, tailN)
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog copies path to w as it grows. It returns once running reports
// false and the remaining output has been copied, or when ctx is done.
func followLog(ctx context.Context, w io.Writer, path string, running func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		// Checked before the copy so output written just before exit is
		// still drained.
		alive := running()
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		if !alive {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
