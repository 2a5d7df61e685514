package model

import (
	"fmt"
	"strings"
	"time"
)

type State string

const (
	StateQueued    State = "queued"
	StateHeld      State = "held"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
)

// AllStates is the display order used by stats and list output.
var AllStates = []State{
	StateQueued,
	StateHeld,
	StateRunning,
	StateSucceeded,
	StateFailed,
	StateKilled,
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateKilled
}

// Aborted reports whether dependents of a job in this state can never run.
func (s State) Aborted() bool {
	return s == StateFailed || s == StateKilled
}

func (s State) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// Letter is the one-character code shown by `sjq list`.
func (s State) Letter() string {
	switch s {
	case StateQueued:
		return "Q"
	case StateHeld:
		return "H"
	case StateRunning:
		return "R"
	case StateSucceeded:
		return "S"
	case StateFailed:
		return "F"
	case StateKilled:
		return "K"
	}
	return "?"
}

func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown state %q", ErrValidation, s)
	}
	return st, nil
}

type Job struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Src          string            `json:"src,omitempty"`
	Procs        int               `json:"procs"`
	Mem          int64             `json:"mem"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env,omitempty"`
	StdoutPath   string            `json:"stdout"`
	StderrPath   string            `json:"stderr"`
	UID          int               `json:"uid"`
	GID          int               `json:"gid"`
	Dependencies []int64           `json:"dependencies,omitempty"`
	State        State             `json:"state"`
	Retcode      *int              `json:"retcode,omitempty"`
	PID          int               `json:"pid,omitempty"`
	Error        string            `json:"error,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// StateCount is one row of the store's stats.
type StateCount struct {
	State State `json:"state"`
	Count int   `json:"count"`
}
