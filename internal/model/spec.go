package model

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// JobSpec is what a client submits. Zero values are filled from server
// defaults by Normalize.
type JobSpec struct {
	Name         string            `json:"name,omitempty"`
	Src          string            `json:"src"`
	Procs        int               `json:"procs,omitempty"`
	Mem          int64             `json:"mem,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	StdoutPath   string            `json:"stdout,omitempty"`
	StderrPath   string            `json:"stderr,omitempty"`
	Dependencies []int64           `json:"dependencies,omitempty"`

	// Set by the server from the peer's socket credentials, never by clients.
	UID int `json:"-"`
	GID int `json:"-"`
}

// Limits are the configured resource maxima and submission defaults.
type Limits struct {
	MaxProcs     int
	MaxMem       int64
	DefaultProcs int
	DefaultMem   int64
}

const DefaultJobName = "sjq"

// Normalize fills defaults and validates resources against the limits.
func (s *JobSpec) Normalize(l Limits) error {
	if s.Name == "" {
		s.Name = DefaultJobName
	}
	if s.Procs == 0 {
		s.Procs = l.DefaultProcs
	}
	if s.Mem == 0 {
		s.Mem = l.DefaultMem
	}
	if s.Src == "" {
		return fmt.Errorf("%w: empty job source", ErrValidation)
	}
	if s.Procs < 1 {
		return fmt.Errorf("%w: procs must be at least 1, got %d", ErrValidation, s.Procs)
	}
	if s.Procs > l.MaxProcs {
		return fmt.Errorf("%w: procs %d exceeds maxprocs %d", ErrValidation, s.Procs, l.MaxProcs)
	}
	if s.Mem < 0 {
		return fmt.Errorf("%w: negative mem %d", ErrValidation, s.Mem)
	}
	if s.Mem > l.MaxMem {
		return fmt.Errorf("%w: mem %d exceeds maxmem %d", ErrValidation, s.Mem, l.MaxMem)
	}
	for flag, p := range map[string]string{"cwd": s.Cwd, "stdout": s.StdoutPath, "stderr": s.StderrPath} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%w: %s path %q is not absolute", ErrValidation, flag, p)
		}
	}
	seen := make(map[int64]bool, len(s.Dependencies))
	deps := s.Dependencies[:0]
	for _, d := range s.Dependencies {
		if d <= 0 {
			return fmt.Errorf("%w: job %d", ErrInvalidDependency, d)
		}
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	s.Dependencies = deps
	return nil
}

// DefaultStdout is <cwd>/<name>.o<id>.
func DefaultStdout(cwd, name string, id int64) string {
	return filepath.Join(cwd, name+".o"+strconv.FormatInt(id, 10))
}

// DefaultStderr is <cwd>/<name>.e<id>.
func DefaultStderr(cwd, name string, id int64) string {
	return filepath.Join(cwd, name+".e"+strconv.FormatInt(id, 10))
}
