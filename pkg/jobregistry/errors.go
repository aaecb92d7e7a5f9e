package jobregistry

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start for a job that is active.
	ErrAlreadyRunning = errors.New("job already running")

	// ErrNotRunning is returned by Stop for a job that is not active.
	ErrNotRunning = errors.New("job not running")

	// ErrNotStoppable is returned by Stop and Delete for a job started with
	// Stoppable=false while it is still active.
	ErrNotStoppable = errors.New("job is not stoppable")

	// ErrUnknownFunction is returned by Start for an unregistered function.
	ErrUnknownFunction = errors.New("unknown job function")

	// ErrInvalidJobID is returned for ids that cannot name a job directory.
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrSpawnFailed is returned by Start when the worker process could not
	// be created.
	ErrSpawnFailed = errors.New("worker process spawn failed")

	// ErrWorkerFunctionFailed tags the outcome of a job function that
	// returned an error or panicked. It is reported through the exception
	// progress category and never returned across the process boundary.
	ErrWorkerFunctionFailed = errors.New("job function failed")
)

// JobError carries the job id alongside one of the sentinel errors.
type JobError struct {
	JobID string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %v", e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func jobError(jobID string, err error) error {
	return &JobError{JobID: jobID, Err: err}
}
