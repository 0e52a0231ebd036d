package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSpawn       = errors.New("engine could not be started")
	ErrTimeout     = errors.New("engine did not finish before the deadline")
	ErrCanceled    = errors.New("engine run canceled")
	ErrExitStatus  = errors.New("engine exited with failure")
	ErrEmptyResult = errors.New("engine produced no transcript")
)

type Engine interface {
	Transcribe(ctx context.Context, audioPath string) (*Job, error)
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusSucceeded   Status = "succeeded"
	StatusEmpty       Status = "empty"
	StatusExited      Status = "exited"
	StatusTimedOut    Status = "timed_out"
	StatusCanceled    Status = "canceled"
	StatusSpawnFailed Status = "spawn_failed"
)

// Job records one engine invocation. Stdout is the only source of the
// transcript; Stderr is kept for diagnostics.
type Job struct {
	InputPath  string
	Timeout    time.Duration
	Stdout     []byte
	Stderr     []byte
	ExitCode   int
	Status     Status
	Duration   time.Duration
	Transcript string
}

func (j *Job) StderrText() string {
	return strings.TrimSpace(string(j.Stderr))
}

// ExitError is returned when the engine ran but exited unsuccessfully.
type ExitError struct {
	Code   int
	State  string
	Stderr string
	Hint   string
	Err    error
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "engine %s", e.State)
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (%s)", e.Hint)
	}
	return b.String()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func (e *ExitError) Is(target error) bool {
	return target == ErrExitStatus
}

// Diagnostic is the text shown to clients: stderr when present, otherwise
// the exit state.
func (e *ExitError) Diagnostic() string {
	msg := e.Stderr
	if msg == "" {
		msg = e.State
	}
	if e.Hint != "" {
		msg = msg + " (" + e.Hint + ")"
	}
	return msg
}
