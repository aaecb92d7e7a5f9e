package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobsup/pkg/jobregistry"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live worker processes on this host",
	Args:  cobra.NoArgs,
	RunE:  runWorkers,
}

func init() {
	rootCmd.AddCommand(workersCmd)

	workersCmd.Flags().Bool("json", false, "Output as JSON")
}

func runWorkers(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	m, err := newManager()
	if err != nil {
		return err
	}
	workers, err := m.Workers(commandContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if workers == nil {
			workers = []jobregistry.WorkerInfo{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(workers)
	}
	if len(workers) == 0 {
		_, _ = fmt.Fprintln(out, "No workers running")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "PID\tCREATED\tCMDLINE")
	for _, w := range workers {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", w.PID, w.CreatedAt.UTC().Format(time.RFC3339), w.Cmdline)
	}
	return nil
}
