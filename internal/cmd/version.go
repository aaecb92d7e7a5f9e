package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		out := cmd.OutOrStdout()
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go_version": runtime.Version(),
			})
		}
		_, _ = fmt.Fprintf(out, "jobsup %s (commit %s, built %s, %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
