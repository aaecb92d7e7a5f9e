package jobregistry

import (
	"time"

	"go.uber.org/zap"
)

// Housekeep deletes old and excess jobs of each class and returns the ids it
// deleted.
//
// Per class, jobs are ordered newest first and visited from the oldest
// upward. A job is deleted while the class holds more than MaxCount jobs or
// when it is older than MaxAge. Running jobs are never deleted, and the
// newest job of a class is always kept so its duration can seed the next
// estimate. A failure on one job is logged and does not stop the rest.
func (m *Manager) Housekeep(classes []JobClass) []string {
	var deleted []string
	for _, class := range classes {
		deleted = append(deleted, m.housekeepClass(class, time.Now())...)
	}
	return deleted
}

func (m *Manager) housekeepClass(class JobClass, now time.Time) []string {
	logger := m.logger.With(zap.String("job_class", class.Prefix))

	ids, err := m.ListAll(class.Prefix)
	if err != nil {
		logger.Error("Housekeeping failed to list jobs", zap.Error(err))
		return nil
	}

	statuses := make([]JobStatus, 0, len(ids))
	for _, id := range ids {
		j, err := m.Job(id)
		if err != nil {
			continue
		}
		st, err := j.load()
		if err != nil {
			logger.Warn("Housekeeping skipped unreadable job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		statuses = append(statuses, st)
	}
	sortNewestFirst(statuses)

	remaining := len(statuses)
	var deleted []string
	for i := len(statuses) - 1; i > 0; i-- {
		st := statuses[i]
		if m.isRunning(st) {
			continue
		}

		tooMany := class.MaxCount > 0 && remaining > class.MaxCount
		tooOld := class.MaxAge > 0 && now.Sub(st.StartedAt()) > class.MaxAge
		if !tooMany && !tooOld {
			continue
		}

		j, _ := m.Job(st.JobID)
		if err := j.removeIdle(); err != nil {
			logger.Warn("Housekeeping failed to delete job", zap.String("job_id", st.JobID), zap.Error(err))
			continue
		}
		remaining--
		deleted = append(deleted, st.JobID)
		logger.Debug("Housekeeping deleted job",
			zap.String("job_id", st.JobID),
			zap.Bool("too_many", tooMany),
			zap.Bool("too_old", tooOld))
	}

	if len(deleted) > 0 {
		logger.Info("Housekeeping finished", zap.Int("deleted", len(deleted)), zap.Int("kept", remaining))
	}
	return deleted
}
