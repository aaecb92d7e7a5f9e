package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobsup/pkg/jobregistry"
)

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)

	statusCmd.Flags().Bool("json", false, "Output as JSON")

	listCmd.Flags().String("prefix", "", "Only jobs whose id starts with this prefix")
	listCmd.Flags().String("match", "", "Only jobs whose id matches this glob")
	listCmd.Flags().Bool("running", false, "Only running jobs")
	listCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])

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

	st, err := j.Status()
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), st, jsonOutput)
}

func printStatus(w io.Writer, st jobregistry.JobStatus, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	_, _ = fmt.Fprintf(w, "job_id=%s\n", st.JobID)
	_, _ = fmt.Fprintf(w, "state=%s\n", st.State)
	if st.Title != "" {
		_, _ = fmt.Fprintf(w, "title=%s\n", st.Title)
	}
	if st.Function != "" {
		_, _ = fmt.Fprintf(w, "function=%s\n", st.Function)
	}
	if st.PID > 0 {
		_, _ = fmt.Fprintf(w, "pid=%d\n", st.PID)
	}
	_, _ = fmt.Fprintf(w, "stoppable=%t\n", st.Stoppable)
	_, _ = fmt.Fprintf(w, "started=%s\n", formatEpoch(st.Started))
	_, _ = fmt.Fprintf(w, "duration=%.1fs\n", st.Duration)
	if st.EstimatedDuration > 0 {
		_, _ = fmt.Fprintf(w, "estimated_duration=%.1fs\n", st.EstimatedDuration)
	}

	keys := make([]string, 0, len(st.Extra))
	for k := range st.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "meta.%s=%v\n", k, st.Extra[k])
	}

	printBlocks(w, "progress", st.ProgressInfo.ProgressUpdates)
	printBlocks(w, "result", st.ProgressInfo.Results)
	printBlocks(w, "exception", st.ProgressInfo.Exceptions)
	return nil
}

func printBlocks(w io.Writer, label string, blocks []string) {
	for _, b := range blocks {
		_, _ = fmt.Fprintf(w, "%s: %s\n", label, strings.ReplaceAll(b, "\n", "\n  "))
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	pattern, _ := cmd.Flags().GetString("match")
	runningOnly, _ := cmd.Flags().GetBool("running")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	m, err := newManager()
	if err != nil {
		return err
	}

	snaps, err := m.Snapshots(prefix)
	if err != nil {
		return err
	}

	if pattern != "" {
		matched, err := m.Match(pattern)
		if err != nil {
			return err
		}
		snaps = slices.DeleteFunc(snaps, func(st jobregistry.JobStatus) bool {
			_, found := slices.BinarySearch(matched, st.JobID)
			return !found
		})
	}
	if runningOnly {
		running, err := m.ListRunning(prefix)
		if err != nil {
			return err
		}
		snaps = slices.DeleteFunc(snaps, func(st jobregistry.JobStatus) bool {
			_, found := slices.BinarySearch(running, st.JobID)
			return !found
		})
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if snaps == nil {
			snaps = []jobregistry.JobStatus{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}
	if len(snaps) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tSTATE\tTITLE\tSTARTED\tDURATION\tPID")
	for _, st := range snaps {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		title := st.Title
		if title == "" {
			title = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1fs\t%s\n",
			st.JobID,
			st.State,
			title,
			formatEpoch(st.Started),
			st.Duration,
			pid,
		)
	}
	return nil
}
