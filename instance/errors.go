package instance

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDBNotFound means the directory is missing or carries no instance marker.
	ErrDBNotFound = errors.New("instance: database not found")
	// ErrDBVersionInvalid means the marker names an unsupported schema.
	ErrDBVersionInvalid = errors.New("instance: database version invalid")
	// ErrDBExists means create found an existing instance.
	ErrDBExists = errors.New("instance: database already exists")
	// ErrDBCreationFailed means bootstrap failed or left no marker behind.
	ErrDBCreationFailed = errors.New("instance: database creation failed")
	// ErrPortInUse means the chosen port already answers.
	ErrPortInUse = errors.New("instance: port in use")
	// ErrRemoteInstance means the status file names another host.
	ErrRemoteInstance = errors.New("instance: running on another host")
	// ErrStopTimeout means the status file outlived the stop timeout.
	ErrStopTimeout = errors.New("instance: stop timed out")
	// ErrInvalidState means the operation does not apply in the current state.
	ErrInvalidState = errors.New("instance: invalid state")
)

// DBError carries the directory and detail of a pre-flight failure.
type DBError struct {
	Dir    string
	Detail string
	Err    error
}

func (e *DBError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Dir)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Dir, e.Detail)
}

func (e *DBError) Unwrap() error { return e.Err }

// LaunchError reports that the server process could not be spawned.
type LaunchError struct {
	Executable string
	Err        error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("instance: launch %s: %v", e.Executable, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Cause tells why readiness was never reached.
type Cause int

const (
	CauseTimeout Cause = iota
	CauseExited
	CauseAuthDenied
)

func (c Cause) String() string {
	switch c {
	case CauseExited:
		return "process exited"
	case CauseAuthDenied:
		return "authentication denied"
	default:
		return "timeout"
	}
}

// ConnectionError reports a launched server that never became ready.
type ConnectionError struct {
	URL   string
	Port  int
	Cause Cause
	// Output holds the tail of the child's output when it exited early.
	Output string
	Err    error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance: connect %s: %s", e.URL, e.Cause)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, " (output: %s)", out)
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error { return e.Err }
