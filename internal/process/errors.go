package process

import (
	"errors"
	"fmt"
	"os/exec"
)

// ErrStillRunning is reported when a process survived both SIGTERM and SIGKILL
// within the allotted windows.
var ErrStillRunning = errors.New("process still running after kill")

// ErrUnverifiedPID is reported by ReapStale when a pid file names a live
// process that cannot be proven to be the one that wrote it.
var ErrUnverifiedPID = errors.New("pid file does not identify the running process")

// SpawnError reports that the OS refused to start a program, most commonly
// because the executable is not on PATH (errors.Is(err, exec.ErrNotFound)).
type SpawnError struct {
	Name string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// NotFound reports whether the executable could not be located.
func (e *SpawnError) NotFound() bool {
	var ee *exec.Error
	return errors.Is(e.Err, exec.ErrNotFound) || (errors.As(e.Err, &ee) && errors.Is(ee.Err, exec.ErrNotFound))
}

// ExitError reports a process that ran but did not exit successfully.
type ExitError struct {
	Name string
	Code int // -1 when terminated by a signal
	Err  error
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// TerminateError reports that a termination request could not be delivered or
// was not confirmed by the process exiting.
type TerminateError struct {
	Name string
	PID  int
	Err  error
}

func (e *TerminateError) Error() string {
	return fmt.Sprintf("terminate %s (pid %d): %v", e.Name, e.PID, e.Err)
}

func (e *TerminateError) Unwrap() error { return e.Err }
