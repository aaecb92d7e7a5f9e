package jobregistry

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Directory layout:
//
//	<base>/job_initialization.lock
//	<base>/<job_id>/jobstatus.yaml
//	<base>/<job_id>/jobstatus.lock
//	<base>/<job_id>/invocation.json
//	<base>/<job_id>/output
//	<base>/<job_id>/worker.log

// ListAll returns the ids of all jobs whose id starts with prefix, sorted.
func (m *Manager) ListAll(prefix string) ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) {
			out = append(out, entry.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

// Match returns the ids of all jobs matching a doublestar glob such as
// "service_discovery-*", sorted.
func (m *Manager) Match(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid job pattern %q", pattern)
	}
	ids, err := m.ListAll("")
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if ok, _ := doublestar.Match(pattern, id); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Snapshots returns the status of every job whose id starts with prefix,
// newest first.
func (m *Manager) Snapshots(prefix string) ([]JobStatus, error) {
	ids, err := m.ListAll(prefix)
	if err != nil {
		return nil, err
	}

	out := make([]JobStatus, 0, len(ids))
	for _, id := range ids {
		j, err := m.Job(id)
		if err != nil {
			continue
		}
		st, err := j.Status()
		if err != nil {
			continue
		}
		out = append(out, st)
	}

	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(jobs []JobStatus) {
	slices.SortStableFunc(jobs, func(a, b JobStatus) int {
		switch {
		case a.Started > b.Started:
			return -1
		case a.Started < b.Started:
			return 1
		default:
			return strings.Compare(a.JobID, b.JobID)
		}
	})
}
