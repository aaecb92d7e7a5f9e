// Package progress splits a job's captured output into progress updates,
// results and exceptions.
//
// A line that starts with a marker opens a new block of that category; every
// following line up to the next marker belongs to the same block. Output
// before the first marker counts as a progress update, so plain prints from a
// job function show up as progress.
package progress

import (
	"fmt"
	"io"
	"slices"
	"strings"
)

// Category identifies which list a block belongs to.
type Category int

const (
	CategoryProgressUpdate Category = iota
	CategoryResult
	CategoryException
)

const (
	ProgressUpdateMarker = "@@progress@@"
	ResultMarker         = "@@result@@"
	ExceptionMarker      = "@@exception@@"

	// Separator follows a marker on the opening line of a block.
	Separator = " "
)

var markers = []struct {
	prefix   string
	category Category
}{
	{ProgressUpdateMarker, CategoryProgressUpdate},
	{ResultMarker, CategoryResult},
	{ExceptionMarker, CategoryException},
}

func (c Category) String() string {
	switch c {
	case CategoryProgressUpdate:
		return "progress_update"
	case CategoryResult:
		return "result"
	case CategoryException:
		return "exception"
	default:
		return "unknown"
	}
}

// Marker returns the line prefix that opens a block of category c.
func (c Category) Marker() string {
	for _, m := range markers {
		if m.category == c {
			return m.prefix
		}
	}
	return ProgressUpdateMarker
}

// Info is the categorized content of a capture buffer.
type Info struct {
	ProgressUpdates []string `yaml:"progress_updates" json:"progress_updates"`
	Results         []string `yaml:"results" json:"results"`
	Exceptions      []string `yaml:"exceptions" json:"exceptions"`
}

// Empty returns an Info with non-nil, empty lists, which serializes as empty
// sequences instead of nulls.
func Empty() Info {
	return Info{ProgressUpdates: []string{}, Results: []string{}, Exceptions: []string{}}
}

// Equal reports whether both Infos hold the same blocks in the same order.
func (i Info) Equal(o Info) bool {
	return slices.Equal(i.ProgressUpdates, o.ProgressUpdates) &&
		slices.Equal(i.Results, o.Results) &&
		slices.Equal(i.Exceptions, o.Exceptions)
}

// HasExceptions reports whether any exception block was emitted.
func (i Info) HasExceptions() bool {
	return len(i.Exceptions) > 0
}

// Record returns the Info in the generic map form stored in a status record.
func (i Info) Record() map[string]any {
	return map[string]any{
		"progress_updates": nonNil(i.ProgressUpdates),
		"results":          nonNil(i.Results),
		"exceptions":       nonNil(i.Exceptions),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Parse categorizes raw. It holds no state between calls: the same input
// always yields the same Info.
func Parse(raw string) Info {
	info := Empty()
	if raw == "" {
		return info
	}

	current := CategoryProgressUpdate
	var block strings.Builder
	started := false

	flush := func() {
		if block.Len() == 0 {
			return
		}
		text := block.String()
		switch current {
		case CategoryResult:
			info.Results = append(info.Results, text)
		case CategoryException:
			info.Exceptions = append(info.Exceptions, text)
		default:
			info.ProgressUpdates = append(info.ProgressUpdates, text)
		}
	}

	for _, line := range strings.Split(strings.TrimSuffix(raw, "\n"), "\n") {
		if category, rest, ok := cutMarker(line); ok {
			flush()
			block.Reset()
			block.WriteString(rest)
			current = category
			started = true
			continue
		}
		if started {
			block.WriteByte('\n')
		}
		block.WriteString(line)
		started = true
	}
	flush()

	return info
}

func cutMarker(line string) (Category, string, bool) {
	for _, m := range markers {
		rest, ok := strings.CutPrefix(line, m.prefix)
		if !ok {
			continue
		}
		rest, _ = strings.CutPrefix(rest, Separator)
		return m.category, rest, true
	}
	return 0, "", false
}

// Write emits msg as a block of category c on w.
func Write(w io.Writer, c Category, msg string) error {
	_, err := fmt.Fprintf(w, "%s%s%s\n", c.Marker(), Separator, strings.TrimSuffix(msg, "\n"))
	return err
}
