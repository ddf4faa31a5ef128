package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Default termination windows.
const (
	DefaultGrace = 10 * time.Second
	// KillWait bounds how long Terminate waits for the reaper after SIGKILL.
	KillWait = 2 * time.Second
)

// Status is a point-in-time view of a started process.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StartUnix int64     `json:"start_unix"` // OS-reported start time, 0 when unknown
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   error     `json:"-"`
	// PIDFileErr is set when Spec.PIDFile could not be written.
	PIDFileErr error `json:"-"`
}

// Process is a running child started by Start. Exactly one goroutine reaps the
// child; everyone else observes the exit through Done.
type Process struct {
	spec    Spec
	cmd     *exec.Cmd
	pid     int
	closers []io.Closer
	done    chan struct{}

	mu        sync.Mutex
	startedAt time.Time
	startUnix int64
	stoppedAt time.Time
	state     *os.ProcessState
	waitErr   error
	stopping  bool
	pidErr    error
}

// Start spawns spec asynchronously. It returns a *SpawnError when the program
// could not be started.
func Start(spec Spec) (*Process, error) {
	cmd, closers, err := spec.BuildCommand()
	if err != nil {
		return nil, &SpawnError{Name: spec.Label(), Path: spec.Path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, &SpawnError{Name: spec.Label(), Path: spec.Path, Err: err}
	}
	p := &Process{
		spec:      spec,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		closers:   closers,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	p.startUnix = getProcStartUnix(p.pid)
	go p.reap()
	if spec.PIDFile != "" {
		p.pidErr = WritePIDFile(spec.PIDFile, PIDRecord{PID: p.pid, StartUnix: p.startUnix, Name: spec.Label(), Command: spec.CommandLine()})
	}
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.state = p.cmd.ProcessState
	p.stoppedAt = time.Now()
	p.mu.Unlock()
	closeAll(p.closers)
	close(p.done)
}

func (p *Process) Name() string { return p.spec.Label() }

func (p *Process) PID() int { return p.pid }

func (p *Process) Spec() Spec { return p.spec }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits. It returns nil for a zero exit status
// and an *ExitError otherwise. Safe for concurrent and repeated use.
func (p *Process) Wait() error {
	<-p.done
	return p.exitError()
}

func (p *Process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr == nil {
		return nil
	}
	code := -1
	var ee *exec.ExitError
	if errors.As(p.waitErr, &ee) {
		code = ee.ExitCode()
	}
	return &ExitError{Name: p.spec.Label(), Code: code, Err: p.waitErr}
}

// StopRequested reports whether Terminate or Kill has been called.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Process) markStopping() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
}

// Terminate sends SIGTERM to the process group and waits up to grace for the
// exit. A process still alive after grace gets SIGKILL and KillWait to go away.
// Terminating an already exited process is a successful no-op.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	p.markStopping()
	if err := terminateGroup(p.cmd.Process); err != nil {
		if p.Exited() {
			return nil
		}
		return &TerminateError{Name: p.Name(), PID: p.pid, Err: err}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	}
	return p.Kill()
}

// Kill sends SIGKILL to the process group and waits KillWait for the reaper.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	p.markStopping()
	if err := killGroup(p.cmd.Process); err != nil && !p.Exited() {
		return &TerminateError{Name: p.Name(), PID: p.pid, Err: err}
	}
	t := time.NewTimer(KillWait)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return &TerminateError{Name: p.Name(), PID: p.pid, Err: ErrStillRunning}
	}
}

// Status returns a snapshot of the process state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:       p.spec.Label(),
		PID:        p.pid,
		StartedAt:  p.startedAt,
		StartUnix:  p.startUnix,
		StoppedAt:  p.stoppedAt,
		PIDFileErr: p.pidErr,
	}
	select {
	case <-p.done:
		st.ExitErr = p.waitErr
		st.ExitCode = -1
		if p.state != nil {
			st.ExitCode = p.state.ExitCode()
		}
	default:
		st.Running = true
	}
	return st
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
