package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobsup/pkg/jobregistry"
)

var housekeepCmd = &cobra.Command{
	Use:   "housekeep",
	Short: "Delete old and excess jobs",
	Long: `Delete old and excess jobs per job class.

Classes come from housekeeping.classes in the config, or from repeated
--class flags of the form prefix[:max_age[:max_count]]:

  jobsup housekeep --class backup-:168h:20 --class sync-

Running jobs and the newest job of each class are always kept.`,
	Args: cobra.NoArgs,
	RunE: runHousekeep,
}

func init() {
	rootCmd.AddCommand(housekeepCmd)

	housekeepCmd.Flags().StringArray("class", nil, "Job class as prefix[:max_age[:max_count]] (repeatable)")
	housekeepCmd.Flags().Bool("json", false, "Output as JSON")
}

func runHousekeep(cmd *cobra.Command, _ []string) error {
	specs, _ := cmd.Flags().GetStringArray("class")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var classes []jobregistry.JobClass
	if len(specs) > 0 {
		for _, s := range specs {
			c, err := parseJobClass(s)
			if err != nil {
				return err
			}
			classes = append(classes, c)
		}
	} else {
		classes = appConfig.JobClasses()
	}

	m, err := newManager()
	if err != nil {
		return err
	}
	deleted := m.Housekeep(classes)

	out := cmd.OutOrStdout()
	if jsonOutput {
		if deleted == nil {
			deleted = []string{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"deleted": deleted})
	}
	for _, id := range deleted {
		_, _ = fmt.Fprintf(out, "deleted=%s\n", id)
	}
	_, _ = fmt.Fprintf(out, "deleted_count=%d\n", len(deleted))
	return nil
}

// parseJobClass parses prefix[:max_age[:max_count]]. Omitted or empty limits
// take the defaults.
func parseJobClass(s string) (jobregistry.JobClass, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return jobregistry.JobClass{}, fmt.Errorf("invalid --class %q (expected prefix[:max_age[:max_count]])", s)
	}

	c := jobregistry.NewJobClass(parts[0])
	if len(parts) > 1 && parts[1] != "" {
		d, err := time.ParseDuration(parts[1])
		if err != nil || d <= 0 {
			return jobregistry.JobClass{}, fmt.Errorf("invalid max_age in --class %q", s)
		}
		c.MaxAge = d
	}
	if len(parts) > 2 && parts[2] != "" {
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return jobregistry.JobClass{}, fmt.Errorf("invalid max_count in --class %q", s)
		}
		c.MaxCount = n
	}
	return c, nil
}
