package jobregistry

import (
	"time"

	"github.com/3leaps/jobsup/pkg/progress"
)

// JobState is the lifecycle state of a job.
//
// NOTE: These values are persisted in jobstatus.yaml and are part of the
// stable on-disk contract.
type JobState string

const (
	JobStateInitialized JobState = "initialized"
	JobStateRunning     JobState = "running"
	JobStateFinished    JobState = "finished"
	JobStateStopped     JobState = "stopped"
	JobStateException   JobState = "exception"
)

// Terminal reports whether no further transition out of s is allowed.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateFinished, JobStateStopped, JobStateException:
		return true
	default:
		return false
	}
}

// Status record keys.
const (
	keyState             = "state"
	keyPID               = "pid"
	keyStarted           = "started"
	keyDuration          = "duration"
	keyStoppable         = "stoppable"
	keyTitle             = "title"
	keyFunction          = "function"
	keyEstimatedDuration = "estimated_duration"
	keyProgressInfo      = "progress_info"
)

// JobStatus is the typed view of a job's status record.
//
// Caller metadata passed at start time is kept in Extra.
type JobStatus struct {
	JobID             string         `yaml:"-" json:"job_id"`
	State             JobState       `yaml:"state" json:"state"`
	PID               int            `yaml:"pid,omitempty" json:"pid,omitempty"`
	Started           float64        `yaml:"started" json:"started"`
	Duration          float64        `yaml:"duration" json:"duration"`
	Stoppable         bool           `yaml:"stoppable" json:"stoppable"`
	Title             string         `yaml:"title" json:"title"`
	Function          string         `yaml:"function,omitempty" json:"function,omitempty"`
	EstimatedDuration float64        `yaml:"estimated_duration,omitempty" json:"estimated_duration,omitempty"`
	ProgressInfo      progress.Info  `yaml:"progress_info" json:"progress_info"`
	Extra             map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// StartedAt returns Started as a time.
func (s JobStatus) StartedAt() time.Time {
	if s.Started == 0 {
		return time.Time{}
	}
	sec := int64(s.Started)
	nsec := int64((s.Started - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Options configure a job at start time.
type Options struct {
	// Title is a display string for the job.
	Title string

	// Stoppable allows Stop and SIGTERM to end the job. It is fixed for the
	// lifetime of the job.
	Stoppable bool

	// EstimatedDuration overrides the estimate taken from the previous run.
	EstimatedDuration time.Duration

	// Metadata is merged into the status record as free-form fields. A
	// "title" entry sets the title when Title is empty. Other keys owned by
	// the supervisor (state, pid, started, ...) are logged and ignored.
	Metadata map[string]any
}

// JobClass groups jobs by id prefix for housekeeping.
type JobClass struct {
	Prefix   string
	MaxAge   time.Duration
	MaxCount int
}

const (
	DefaultHousekeepingMaxAge   = 30 * 24 * time.Hour
	DefaultHousekeepingMaxCount = 50
)

// NewJobClass returns a JobClass with the default retention limits.
func NewJobClass(prefix string) JobClass {
	return JobClass{
		Prefix:   prefix,
		MaxAge:   DefaultHousekeepingMaxAge,
		MaxCount: DefaultHousekeepingMaxCount,
	}
}

// WorkerInfo describes a live worker process found in the process table.
type WorkerInfo struct {
	PID       int       `json:"pid"`
	Cmdline   string    `json:"cmdline"`
	CreatedAt time.Time `json:"created_at"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
