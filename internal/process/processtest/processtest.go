// Package processtest provides an in-memory process.Runner for tests of code
// that starts programs.
package processtest

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/carp/internal/process"
)

// Behavior describes how a fake program reacts.
type Behavior struct {
	Missing      bool  // Start fails with an executable-not-found SpawnError
	SpawnErr     error // Start fails with this error wrapped in a SpawnError
	Exit         bool  // the program exits right after starting
	ExitCode     int   // exit status when Exit is set
	TerminateErr error // Terminate fails with this error and the program keeps running
}

// Runner records every Start call. Behaviors are looked up by Spec.Name first,
// then by Spec.Path; programs without a behavior run until terminated.
type Runner struct {
	mu        sync.Mutex
	byName    map[string]Behavior
	behaviors map[string]Behavior
	specs     []process.Spec
	handles   []*Handle
	nextPID   int
}

func NewRunner() *Runner {
	return &Runner{byName: make(map[string]Behavior), behaviors: make(map[string]Behavior), nextPID: 1000}
}

// On sets the behavior for path.
func (r *Runner) On(path string, b Behavior) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[path] = b
	return r
}

// OnName sets the behavior for specs named name; it wins over On.
func (r *Runner) OnName(name string, b Behavior) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = b
	return r
}

func (r *Runner) Start(spec process.Spec) (process.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	b, ok := r.byName[spec.Name]
	if !ok {
		b = r.behaviors[spec.Path]
	}
	switch {
	case b.Missing:
		return nil, &process.SpawnError{Name: spec.Label(), Path: spec.Path, Err: &exec.Error{Name: spec.Path, Err: exec.ErrNotFound}}
	case b.SpawnErr != nil:
		return nil, &process.SpawnError{Name: spec.Label(), Path: spec.Path, Err: b.SpawnErr}
	}
	r.nextPID++
	h := &Handle{spec: spec, pid: r.nextPID, done: make(chan struct{}), terminateErr: b.TerminateErr, started: time.Now()}
	r.handles = append(r.handles, h)
	if b.Exit {
		var err error
		if b.ExitCode != 0 {
			err = &process.ExitError{Name: spec.Label(), Code: b.ExitCode, Err: fmt.Errorf("exit status %d", b.ExitCode)}
		}
		h.Exit(err)
	}
	return h, nil
}

// Specs returns every spec passed to Start, in order.
func (r *Runner) Specs() []process.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Spec(nil), r.specs...)
}

// Paths returns Spec.Path of every Start call, in order.
func (r *Runner) Paths() []string {
	specs := r.Specs()
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Path
	}
	return out
}

// Handles returns the handles of successful starts, in order.
func (r *Runner) Handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Handle(nil), r.handles...)
}

// Handle is a fake started program.
type Handle struct {
	spec         process.Spec
	pid          int
	started      time.Time
	done         chan struct{}
	once         sync.Once
	terminateErr error
	terminates   atomic.Int32

	mu      sync.Mutex
	exitErr error
}

// ErrTerminated is the wait result of a fake program stopped by Terminate.
var ErrTerminated = errors.New("signal: terminated")

// Exit makes the program exit with err as its wait result. Later calls are ignored.
func (h *Handle) Exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Handle) Name() string          { return h.spec.Label() }
func (h *Handle) PID() int              { return h.pid }
func (h *Handle) Spec() process.Spec    { return h.spec }
func (h *Handle) Done() <-chan struct{} { return h.done }
func (h *Handle) TerminateCalls() int   { return int(h.terminates.Load()) }

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) Terminate(time.Duration) error {
	h.terminates.Add(1)
	if h.Exited() {
		return nil
	}
	if h.terminateErr != nil {
		return &process.TerminateError{Name: h.Name(), PID: h.pid, Err: h.terminateErr}
	}
	h.Exit(&process.ExitError{Name: h.Name(), Code: -1, Err: ErrTerminated})
	return nil
}

func (h *Handle) Status() process.Status {
	st := process.Status{Name: h.Name(), PID: h.pid, StartedAt: h.started, Running: !h.Exited()}
	if !st.Running {
		st.ExitErr = h.Wait()
		var ee *process.ExitError
		if errors.As(st.ExitErr, &ee) {
			st.ExitCode = ee.Code
		}
	}
	return st
}
