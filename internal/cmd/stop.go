package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [job_id]",
	Short: "Stop a running job",
	Long: `Stop a running, stoppable job.

The job's process group gets SIGTERM, then SIGKILL if it is still alive
after the grace period (stop.grace_period). With --all every running,
stoppable job matching --prefix is stopped concurrently.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a job and its directory",
	Long: `Delete a job's directory. A running stoppable job is stopped first; a
running job that is not stoppable cannot be deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(deleteCmd)

	stopCmd.Flags().Bool("all", false, "Stop all running stoppable jobs")
	stopCmd.Flags().String("prefix", "", "With --all, only jobs whose id starts with this prefix")
}

func runStop(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	prefix, _ := cmd.Flags().GetString("prefix")

	m, err := newManager()
	if err != nil {
		return err
	}

	if all {
		if len(args) > 0 {
			return fmt.Errorf("--all does not take a job_id")
		}
		return m.StopAll(commandContext(cmd), prefix)
	}
	if len(args) == 0 {
		return fmt.Errorf("job_id is required (or use --all)")
	}

	jobID := strings.TrimSpace(args[0])
	if err := m.Stop(jobID); err != nil {
		return err
	}
	st, err := m.Status(jobID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job_id=%s\nstate=%s\n", jobID, st.State)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	jobID := strings.TrimSpace(args[0])

	m, err := newManager()
	if err != nil {
		return err
	}
	if err := m.Delete(jobID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%s\n", jobID)
	return nil
}
