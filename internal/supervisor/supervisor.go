// Package supervisor launches the long-running services and owns them until a
// coordinated shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/carp/internal/history"
	"github.com/loykin/carp/internal/metrics"
	"github.com/loykin/carp/internal/process"
)

// Supervisor starts a fixed set of services and terminates all of them on
// Shutdown. It is single-use: once Stopped it cannot be relaunched.
type Supervisor struct {
	runner    process.Runner
	services  []process.Spec
	grace     time.Duration
	history   *history.Recorder
	log       *slog.Logger
	onRunning func()

	mu      sync.Mutex
	state   State
	handles []process.Handle
	abort   bool
	stopped chan struct{}

	quit     chan struct{} // closed once termination requests have completed
	watchers sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*Supervisor)

// WithGrace sets how long each service gets to exit after SIGTERM before it is killed.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithHistory(r *history.Recorder) Option { return func(s *Supervisor) { s.history = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithOnRunning registers fn to be called once all services are up.
func WithOnRunning(fn func()) Option { return func(s *Supervisor) { s.onRunning = fn } }

// New returns an Idle supervisor for services. Launch starts them in order.
func New(r process.Runner, services []process.Spec, opts ...Option) *Supervisor {
	s := &Supervisor{
		runner:   r,
		services: append([]process.Spec(nil), services...),
		grace:    process.DefaultGrace,
		log:      slog.Default(),
		stopped:  make(chan struct{}),
		quit:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	metrics.SetSupervisorState(Idle.String(), stateNames)
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stopped is closed when the supervisor reaches Stopped.
func (s *Supervisor) Stopped() <-chan struct{} { return s.stopped }

// Statuses returns a snapshot of every launched service.
func (s *Supervisor) Statuses() []process.Status {
	s.mu.Lock()
	hs := append([]process.Handle(nil), s.handles...)
	s.mu.Unlock()
	out := make([]process.Status, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Status())
	}
	return out
}

// caller holds s.mu
func (s *Supervisor) setStateLocked(st State) {
	if st == s.state {
		return
	}
	s.log.Debug("supervisor state", "from", s.state.String(), "to", st.String())
	s.state = st
	metrics.SetSupervisorState(st.String(), stateNames)
	if st == Stopped {
		close(s.stopped)
	}
}

// Run launches every service, blocks until ctx is done, then shuts down.
// A nil return means all services were launched and later terminated cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Launch(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.log.Info("stopping services", "cause", context.Cause(ctx))
	return s.Shutdown()
}

// Launch moves Idle → Launching → Running. If any service fails to start, the
// ones already started are terminated before the error is returned and the
// supervisor ends in Stopped.
func (s *Supervisor) Launch(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyLaunched
	}
	s.setStateLocked(Launching)
	s.mu.Unlock()

	started := make([]process.Handle, 0, len(s.services))
	defer func() {
		if err != nil {
			err = errors.Join(err, s.rollback(ctx, started))
		}
	}()

	if err := s.reapStale(); err != nil {
		return err
	}
	for _, spec := range s.services {
		if cerr := context.Cause(ctx); cerr != nil {
			return fmt.Errorf("%w: %w", ErrAborted, cerr)
		}
		if s.aborted() {
			return ErrAborted
		}
		h, serr := s.runner.Start(spec)
		metrics.IncSpawn(spec.Label(), serr)
		if serr != nil {
			s.log.Error("service failed to start", "service", spec.Label(), "error", serr)
			s.history.Record(ctx, history.Event{Type: history.EventSpawn, Name: spec.Label(), Detail: spec.CommandLine(), Err: serr.Error()})
			return &LaunchError{Service: spec.Label(), Err: serr}
		}
		started = append(started, h)
		s.log.Info("service started", "service", spec.Label(), "pid", h.PID(), "command", spec.CommandLine())
		if perr := h.Status().PIDFileErr; perr != nil {
			s.log.Warn("pid file not written; stale-run recovery disabled for this service", "service", spec.Label(), "pid_file", spec.PIDFile, "error", perr)
		}
		s.history.Record(ctx, history.Event{Type: history.EventSpawn, Name: spec.Label(), PID: h.PID(), Detail: spec.CommandLine()})
		metrics.TrackService(spec.Label(), h.PID())
	}

	s.mu.Lock()
	if s.abort {
		s.mu.Unlock()
		return ErrAborted
	}
	s.handles = started
	// watchers are registered before Running is visible so Shutdown's Wait covers them
	s.watchers.Add(len(started))
	for i, h := range started {
		go s.watch(s.services[i], h)
	}
	s.setStateLocked(Running)
	s.mu.Unlock()

	if s.onRunning != nil {
		s.onRunning()
	}
	return nil
}

func (s *Supervisor) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// rollback terminates partially launched services, newest first.
func (s *Supervisor) rollback(ctx context.Context, started []process.Handle) error {
	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		h := started[i]
		s.log.Warn("rolling back launched service", "service", h.Name(), "pid", h.PID())
		if err := s.terminate(ctx, h); err != nil {
			errs = append(errs, err)
			continue
		}
		process.RemovePIDFile(s.services[i].PIDFile)
	}
	s.mu.Lock()
	s.setStateLocked(Stopped)
	s.mu.Unlock()
	return errors.Join(errs...)
}

// reapStale terminates services left running by a previous supervisor that
// died without shutting down.
func (s *Supervisor) reapStale() error {
	for _, spec := range s.services {
		if spec.PIDFile == "" {
			continue
		}
		found, err := process.ReapStale(spec.PIDFile, s.grace)
		if errors.Is(err, process.ErrUnverifiedPID) {
			s.log.Warn("ignoring pid file that does not match a process started by carp", "service", spec.Label(), "pid_file", spec.PIDFile, "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("stale %s from a previous run: %w", spec.Label(), err)
		}
		if found {
			s.log.Warn("terminated service left over from a previous run", "service", spec.Label(), "pid_file", spec.PIDFile)
		}
	}
	return nil
}

func (s *Supervisor) terminate(ctx context.Context, h process.Handle) error {
	err := h.Terminate(s.grace)
	metrics.IncTermination(h.Name(), err)
	s.history.Record(ctx, history.Event{Type: history.EventTerminate, Name: h.Name(), PID: h.PID(), Err: history.ErrText(err)})
	if err != nil {
		s.log.Error("service did not terminate", "service", h.Name(), "pid", h.PID(), "error", err)
		return err
	}
	s.log.Info("service stopped", "service", h.Name(), "pid", h.PID())
	return nil
}

// watch reports service exits. Services are never restarted.
func (s *Supervisor) watch(spec process.Spec, h process.Handle) {
	defer s.watchers.Done()
	select {
	case <-h.Done():
	case <-s.quit:
		select {
		case <-h.Done():
		default:
			return
		}
	}
	metrics.UntrackService(spec.Label())
	err := h.Wait()
	expected := s.State() >= ShuttingDown
	metrics.IncExit(spec.Label(), expected)
	s.history.Record(context.Background(), history.Event{Type: history.EventExit, Name: spec.Label(), PID: h.PID(), Err: history.ErrText(err)})
	if !expected {
		s.log.Error("service exited unexpectedly", "service", spec.Label(), "pid", h.PID(), "error", err)
	}
}

// Shutdown terminates every launched service concurrently and waits for them
// to exit. Only the first call does work; later calls return its result.
// Termination failures are returned joined but never block shutdown beyond
// the grace and kill windows.
func (s *Supervisor) Shutdown() error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown() })
	return s.shutdownErr
}

func (s *Supervisor) shutdown() error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.setStateLocked(Stopped)
		s.mu.Unlock()
		return nil
	case Launching:
		// Launch rolls back what it started
		s.abort = true
		s.mu.Unlock()
		<-s.stopped
		return nil
	case Running:
		s.setStateLocked(ShuttingDown)
	default:
		s.mu.Unlock()
		<-s.stopped
		return nil
	}
	handles := s.handles
	s.mu.Unlock()

	ctx := context.Background()
	errs := make([]error, len(handles))
	var g errgroup.Group
	for i, h := range handles {
		g.Go(func() error {
			errs[i] = s.terminate(ctx, h)
			return nil
		})
	}
	_ = g.Wait()
	close(s.quit)
	s.watchers.Wait()

	for i, h := range handles {
		metrics.UntrackService(h.Name())
		if errs[i] == nil {
			process.RemovePIDFile(s.services[i].PIDFile)
		}
	}
	s.mu.Lock()
	s.setStateLocked(Stopped)
	s.mu.Unlock()
	return errors.Join(errs...)
}
