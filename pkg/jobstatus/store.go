// Package jobstatus persists the status record of a single job.
//
// Directory layout:
//
//	<dir>/jobstatus.yaml
//	<dir>/jobstatus.lock
//
// Writers serialize on the lock file and replace the record with a
// temp-file + rename, so readers never observe a partial record and never
// need to lock.
package jobstatus

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobsup/pkg/flock"
)

const (
	// FileName is the status record inside a job directory.
	FileName = "jobstatus.yaml"

	// LockFileName guards read-modify-write cycles on FileName.
	LockFileName = "jobstatus.lock"
)

// ErrStorageUnavailable reports that the job directory does not exist.
var ErrStorageUnavailable = errors.New("job status storage unavailable")

// Record is the flat key/value form of a status record.
type Record map[string]any

// Store reads and writes the status record in one job directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

func (s *Store) lockPath() string {
	return filepath.Join(s.dir, LockFileName)
}

// Exists reports whether a status record has been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Read returns the current record without locking. A missing or unreadable
// record reads as an empty Record.
func (s *Store) Read() Record {
	rec, err := s.read()
	if err != nil {
		return Record{}
	}
	return rec
}

// Load decodes the current record into out without locking. A missing record
// leaves out untouched and returns ErrStorageUnavailable when the directory
// itself is gone.
func (s *Store) Load(out any) error {
	b, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			if !s.dirExists() {
				return ErrStorageUnavailable
			}
			return nil
		}
		return fmt.Errorf("read job status: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse job status: %w", err)
	}
	return nil
}

// Update merges partial over the stored record, field by field, under the
// store lock. It is a no-op when the job directory no longer exists.
func (s *Store) Update(partial Record) error {
	return s.Modify(func(rec Record) error {
		maps.Copy(rec, partial)
		return nil
	})
}

// Modify runs fn on the current record while holding the store lock and
// writes the result back. If fn returns an error nothing is written and the
// error is returned. The lock is released on every exit path.
//
// Modify is a no-op when the job directory no longer exists, so writers
// racing a delete do not resurrect the directory.
func (s *Store) Modify(fn func(Record) error) error {
	if !s.dirExists() {
		return nil
	}

	err := flock.With(s.lockPath(), func() error {
		rec, err := s.read()
		if err != nil {
			rec = Record{}
		}
		if err := fn(rec); err != nil {
			return err
		}
		return s.write(rec)
	})
	if err != nil && !s.dirExists() {
		// The directory vanished mid-update (housekeeping delete).
		return nil
	}
	return err
}

func (s *Store) dirExists() bool {
	fi, err := os.Stat(s.dir)
	return err == nil && fi.IsDir()
}

func (s *Store) read() (Record, error) {
	b, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Record{}, nil
	}
	// Decoding into Record itself would make nested mappings Records too.
	m := map[string]any{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse job status: %w", err)
	}
	return Record(m), nil
}

func (s *Store) write(rec Record) error {
	b, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job status: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, FileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp status file: %w", err)
	}

	if err := os.Rename(tmpName, s.Path()); err != nil {
		return fmt.Errorf("rename status file: %w", err)
	}
	return nil
}
