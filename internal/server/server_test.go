package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobsup/internal/server/handlers"
	"github.com/3leaps/jobsup/internal/server/middleware"
	"github.com/3leaps/jobsup/pkg/jobregistry"
)

type startCall struct {
	jobID    string
	function string
	args     any
	opts     jobregistry.Options
}

// fakeJobs is an in-memory JobService.
type fakeJobs struct {
	mu      sync.Mutex
	jobs    map[string]jobregistry.JobStatus
	starts  []startCall
	known   map[string]bool
	running map[string]bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:    make(map[string]jobregistry.JobStatus),
		known:   map[string]bool{"sleep": true, "echo": true},
		running: make(map[string]bool),
	}
}

func (f *fakeJobs) Start(jobID, function string, args any, opts jobregistry.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(jobID, "/") {
		return fmt.Errorf("%w: %q", jobregistry.ErrInvalidJobID, jobID)
	}
	if !f.known[function] {
		return &jobregistry.JobError{JobID: jobID, Err: jobregistry.ErrUnknownFunction}
	}
	if f.running[jobID] {
		return &jobregistry.JobError{JobID: jobID, Err: jobregistry.ErrAlreadyRunning}
	}
	f.starts = append(f.starts, startCall{jobID, function, args, opts})
	f.running[jobID] = true
	f.jobs[jobID] = jobregistry.JobStatus{
		JobID:     jobID,
		State:     jobregistry.JobStateRunning,
		Title:     opts.Title,
		Stoppable: opts.Stoppable,
		Function:  function,
		Started:   float64(time.Now().Unix()),
	}
	return nil
}

func (f *fakeJobs) Status(jobID string) (jobregistry.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.jobs[jobID]
	if !ok {
		return jobregistry.JobStatus{JobID: jobID}, nil
	}
	return st, nil
}

func (f *fakeJobs) Stop(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[jobID] {
		return &jobregistry.JobError{JobID: jobID, Err: jobregistry.ErrNotRunning}
	}
	st := f.jobs[jobID]
	if !st.Stoppable {
		return &jobregistry.JobError{JobID: jobID, Err: jobregistry.ErrNotStoppable}
	}
	st.State = jobregistry.JobStateStopped
	f.jobs[jobID] = st
	f.running[jobID] = false
	return nil
}

func (f *fakeJobs) Delete(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[jobID] && !f.jobs[jobID].Stoppable {
		return &jobregistry.JobError{JobID: jobID, Err: jobregistry.ErrNotStoppable}
	}
	delete(f.jobs, jobID)
	delete(f.running, jobID)
	return nil
}

func (f *fakeJobs) ListRunning(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, r := range f.running {
		if r && strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeJobs) Snapshots(prefix string) ([]jobregistry.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []jobregistry.JobStatus
	for id, st := range f.jobs {
		if strings.HasPrefix(id, prefix) {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b jobregistry.JobStatus) int { return strings.Compare(a.JobID, b.JobID) })
	return out, nil
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorBody {
	t.Helper()
	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port, newFakeJobs())
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_NotFoundUsesErrorFormat(t *testing.T) {
	srv := New("127.0.0.1", 0, newFakeJobs())

	rec := do(t, srv, http.MethodGet, "/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0, newFakeJobs())

	rec := do(t, srv, http.MethodPost, "/version", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Code)
}

func TestServer_HealthAndVersion(t *testing.T) {
	srv := New("127.0.0.1", 0, newFakeJobs(), WithVersion(handlers.VersionInfo{
		Version: "1.4.0", Commit: "abc123", BuildDate: "2026-10-01",
	}))

	for _, path := range []string{"/health", "/health/live", "/version"} {
		rec := do(t, srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := do(t, srv, http.MethodGet, "/version", "")
	var info handlers.VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "abc123", info.Commit)
}

func TestServer_StartAndGetJob(t *testing.T) {
	jobs := newFakeJobs()
	srv := New("127.0.0.1", 0, jobs)

	rec := do(t, srv, http.MethodPost, "/jobs", `{
		"job_id": "sync-1",
		"function": "sleep",
		"args": {"seconds": 2},
		"title": "Nightly sync",
		"stoppable": true,
		"metadata": {"host_name": "srv-01"},
		"estimated_duration": "90s"
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/jobs/sync-1", rec.Header().Get("Location"))

	var started handlers.StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.Equal(t, "sync-1", started.JobID)

	require.Len(t, jobs.starts, 1)
	call := jobs.starts[0]
	assert.Equal(t, "sleep", call.function)
	assert.Equal(t, "Nightly sync", call.opts.Title)
	assert.True(t, call.opts.Stoppable)
	assert.Equal(t, 90*time.Second, call.opts.EstimatedDuration)
	assert.Equal(t, "srv-01", call.opts.Metadata["host_name"])
	raw, ok := call.args.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"seconds": 2}`, string(raw))

	rec = do(t, srv, http.MethodGet, "/jobs/sync-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st jobregistry.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "sync-1", st.JobID)
	assert.Equal(t, jobregistry.JobStateRunning, st.State)
}

func TestServer_StartGeneratesJobID(t *testing.T) {
	jobs := newFakeJobs()
	srv := New("127.0.0.1", 0, jobs)

	rec := do(t, srv, http.MethodPost, "/jobs", `{"function": "echo"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started handlers.StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	assert.True(t, strings.HasPrefix(started.JobID, "echo-"), started.JobID)
	assert.Len(t, started.JobID, len("echo-")+36)
	assert.Nil(t, jobs.starts[0].args)
}

func TestServer_StartErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed body", `{"function":`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown field", `{"function":"sleep","bogus":1}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing function", `{"job_id":"x"}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"bad estimate", `{"function":"sleep","estimated_duration":"soon"}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown function", `{"function":"reboot"}`, http.StatusBadRequest, "UNKNOWN_FUNCTION"},
		{"invalid job id", `{"job_id":"a/b","function":"sleep"}`, http.StatusBadRequest, "INVALID_JOB_ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", 0, newFakeJobs())
			rec := do(t, srv, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
}

func TestServer_StartAlreadyRunningIsConflict(t *testing.T) {
	srv := New("127.0.0.1", 0, newFakeJobs())

	body := `{"job_id":"dup","function":"sleep"}`
	require.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/jobs", body).Code)

	rec := do(t, srv, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_ALREADY_RUNNING", decodeError(t, rec).Code)
}

func TestServer_GetMissingJob(t *testing.T) {
	srv := New("127.0.0.1", 0, newFakeJobs())

	rec := do(t, srv, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeError(t, rec).Code)
}

func TestServer_StopAndDelete(t *testing.T) {
	jobs := newFakeJobs()
	srv := New("127.0.0.1", 0, jobs)

	require.NoError(t, jobs.Start("stoppable", "sleep", nil, jobregistry.Options{Stoppable: true}))
	require.NoError(t, jobs.Start("pinned", "sleep", nil, jobregistry.Options{Stoppable: false}))

	rec := do(t, srv, http.MethodPost, "/jobs/stoppable/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st jobregistry.JobStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, jobregistry.JobStateStopped, st.State)

	rec = do(t, srv, http.MethodPost, "/jobs/stoppable/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_NOT_RUNNING", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodPost, "/jobs/pinned/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_NOT_STOPPABLE", decodeError(t, rec).Code)

	rec = do(t, srv, http.MethodDelete, "/jobs/pinned", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/jobs/stoppable", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotContains(t, jobs.jobs, "stoppable")
}

func TestServer_ListJobs(t *testing.T) {
	jobs := newFakeJobs()
	srv := New("127.0.0.1", 0, jobs)

	require.NoError(t, jobs.Start("sync-1", "sleep", nil, jobregistry.Options{Stoppable: true}))
	require.NoError(t, jobs.Start("sync-2", "sleep", nil, jobregistry.Options{Stoppable: true}))
	require.NoError(t, jobs.Start("backup-1", "sleep", nil, jobregistry.Options{Stoppable: true}))
	require.NoError(t, jobs.Stop("sync-1"))

	list := func(query string) []string {
		rec := do(t, srv, http.MethodGet, "/jobs"+query, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp handlers.ListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		ids := make([]string, 0, len(resp.Jobs))
		for _, j := range resp.Jobs {
			ids = append(ids, j.JobID)
		}
		return ids
	}

	assert.Equal(t, []string{"backup-1", "sync-1", "sync-2"}, list(""))
	assert.Equal(t, []string{"sync-1", "sync-2"}, list("?prefix=sync-"))
	assert.Equal(t, []string{"sync-2"}, list("?prefix=sync-&running=true"))
	assert.Equal(t, []string{}, list("?prefix=none-"))

	rec := do(t, srv, http.MethodGet, "/jobs?running=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RecoversFromPanickingService(t *testing.T) {
	srv := New("127.0.0.1", 0, panickingJobs{newFakeJobs()})

	rec := do(t, srv, http.MethodGet, "/jobs/x", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body.Code)
	assert.NotEmpty(t, body.RequestID)
}

type panickingJobs struct{ *fakeJobs }

func (panickingJobs) Status(string) (jobregistry.JobStatus, error) {
	panic("status store exploded")
}
