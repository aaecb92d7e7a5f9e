package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobsup/internal/server/handlers"
	"github.com/3leaps/jobsup/pkg/jobregistry"
)

var startCmd = &cobra.Command{
	Use:   "start [job_id] <function>",
	Short: "Start a function as a background job",
	Long: `Start a function as a detached background job.

With a single argument the job id is generated as <function>-<uuid>.
Arguments are passed to the function as JSON:

  jobsup start sync-nightly sleep --args '{"seconds": 30}' --stoppable`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("args", "", "Function arguments as a JSON document")
	startCmd.Flags().String("title", "", "Display title (default: function name)")
	startCmd.Flags().Bool("stoppable", false, "Allow stop requests to terminate the job")
	startCmd.Flags().StringToString("meta", nil, "Metadata stored in the status record (k=v,...)")
	startCmd.Flags().Duration("estimate", 0, "Estimated duration (default: duration of the previous run)")
	startCmd.Flags().Bool("wait", false, "Wait for the job to finish and print its status")
	startCmd.Flags().Bool("json", false, "Output as JSON (with --wait)")
}

func runStart(cmd *cobra.Command, args []string) error {
	var jobID, function string
	if len(args) == 2 {
		jobID, function = strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
	} else {
		function = strings.TrimSpace(args[0])
		jobID = handlers.NewJobID(function)
	}
	if function == "" {
		return fmt.Errorf("function is required")
	}

	var fnArgs any
	if raw, _ := cmd.Flags().GetString("args"); strings.TrimSpace(raw) != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("--args is not valid JSON")
		}
		fnArgs = json.RawMessage(raw)
	}

	title, _ := cmd.Flags().GetString("title")
	stoppable, _ := cmd.Flags().GetBool("stoppable")
	estimate, _ := cmd.Flags().GetDuration("estimate")
	meta, _ := cmd.Flags().GetStringToString("meta")

	opts := jobregistry.Options{
		Title:             title,
		Stoppable:         stoppable,
		EstimatedDuration: estimate,
	}
	if len(meta) > 0 {
		opts.Metadata = make(map[string]any, len(meta))
		for k, v := range meta {
			opts.Metadata[k] = v
		}
	}

	m, err := newManager()
	if err != nil {
		return err
	}
	if err := m.Start(jobID, function, fnArgs, opts); err != nil {
		return err
	}

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\n", jobID)
		return nil
	}

	st, err := m.Wait(commandContext(cmd), jobID, appConfig.Worker.PollInterval)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if err := printStatus(cmd.OutOrStdout(), st, jsonOutput); err != nil {
		return err
	}
	if st.State == jobregistry.JobStateException {
		return fmt.Errorf("job %s ended with state %s", jobID, st.State)
	}
	return nil
}

func formatEpoch(sec float64) string {
	if sec <= 0 {
		return "-"
	}
	return jobregistry.JobStatus{Started: sec}.StartedAt().UTC().Format(time.RFC3339)
}
