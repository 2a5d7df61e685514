package server

import (
	"sjq/internal/engine"
	"sjq/internal/model"
)

// Requests and responses travel as one JSON object per line.
const (
	OpPing     = "ping"
	OpSubmit   = "submit"
	OpKill     = "kill"
	OpStatus   = "status"
	OpList     = "list"
	OpStats    = "stats"
	OpInfo     = "info"
	OpShutdown = "shutdown"
)

type Request struct {
	ID     string         `json:"id"`
	Op     string         `json:"op"`
	Submit *model.JobSpec `json:"submit,omitempty"`
	JobID  int64          `json:"job_id,omitempty"`
	State  string         `json:"state,omitempty"`
}

type Response struct {
	ID    string             `json:"id"`
	OK    bool               `json:"ok"`
	Code  string             `json:"code,omitempty"`
	Error string             `json:"error,omitempty"`
	JobID int64              `json:"job_id,omitempty"`
	Job   *model.Job         `json:"job,omitempty"`
	Jobs  []model.Job        `json:"jobs,omitempty"`
	Stats []model.StateCount `json:"stats,omitempty"`
	Info  *engine.Snapshot   `json:"info,omitempty"`
}

// RemoteError is a failure reported by the server. It unwraps to the
// matching model sentinel so callers can use errors.Is across the socket.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return model.CodeError(e.Code)
}
