package supervisor

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrAlreadyLaunched is returned by Launch on a supervisor that left Idle.
	ErrAlreadyLaunched = errors.New("supervisor already launched")
	// ErrAborted is returned by Launch when Shutdown was requested while launching.
	ErrAborted = errors.New("launch aborted by shutdown")
)

// LaunchError reports a service that could not be started. Services started
// before it have been terminated by the time the error is returned.
type LaunchError struct {
	Service string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Service, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// SignalError is the context cause recorded when a signal requests shutdown.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "received signal " + e.Signal.String()
}
