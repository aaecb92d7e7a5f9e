package jobregistry

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// JobContext is handed to a job function inside the worker process.
type JobContext interface {
	JobID() string
	// WorkDir is the job's directory. Files written here are removed with
	// the job.
	WorkDir() string
	Logger() *zap.Logger

	SendProgressUpdate(msg string)
	SendResult(msg string)
	SendException(msg string)

	// Output is the raw capture stream. Plain writes count as progress.
	Output() io.Writer
}

// Func is the uniform signature every registered function is adapted to.
type Func func(jc JobContext, args json.RawMessage) error

// Registry maps function names to job functions. A binary that starts jobs
// and the worker it re-executes must build the same Registry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// RegisterFunc adds fn under name. Registering a name twice panics, like
// http.ServeMux does for duplicate patterns.
func (r *Registry) RegisterFunc(name string, fn Func) {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("jobregistry: empty function name")
	}
	if fn == nil {
		panic("jobregistry: nil function " + name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.funcs[name]; dup {
		panic("jobregistry: function registered twice: " + name)
	}
	r.funcs[name] = fn
}

// Register adds a typed function. Its JSON args are decoded into T before the
// call; empty args decode as the zero T.
func Register[T any](r *Registry, name string, fn func(JobContext, T) error) {
	r.RegisterFunc(name, func(jc JobContext, raw json.RawMessage) error {
		var args T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return fmt.Errorf("decode args for %s: %w", name, err)
			}
		}
		return fn(jc, args)
	})
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
