package model

import "errors"

var (
	ErrValidation        = errors.New("invalid job request")
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobTerminal       = errors.New("job already finished")
)

var (
	ErrSpawn             = errors.New("spawn failed")
	ErrDependencyAborted = errors.New("dependency aborted")
)

var (
	ErrStorage = errors.New("storage error")
)

var codes = []struct {
	code string
	err  error
}{
	{"validation", ErrValidation},
	{"invalid_dependency", ErrInvalidDependency},
	{"not_found", ErrJobNotFound},
	{"terminal", ErrJobTerminal},
	{"spawn", ErrSpawn},
	{"dependency_aborted", ErrDependencyAborted},
	{"storage", ErrStorage},
}

// ErrorCode maps err to the stable code carried over the socket protocol.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// CodeError returns the sentinel for a protocol code, or nil if unknown.
func CodeError(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
