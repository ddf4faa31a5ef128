package process

import (
	"context"
	"fmt"
	"time"
)

// Handle is the supervisor-facing view of a started program.
type Handle interface {
	Name() string
	PID() int
	Done() <-chan struct{}
	Wait() error
	Terminate(grace time.Duration) error
	Status() Status
}

// Runner starts programs. The exec-backed implementation is ExecRunner; tests
// substitute fakes to observe what would have been started.
type Runner interface {
	Start(spec Spec) (Handle, error)
}

// ExecRunner starts real OS processes.
type ExecRunner struct{}

func (ExecRunner) Start(spec Spec) (Handle, error) {
	p, err := Start(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Run starts spec through r and waits for it to finish. When ctx is cancelled
// first, the child is terminated with the given grace period and the context
// cause is returned.
func Run(ctx context.Context, r Runner, spec Spec, grace time.Duration) error {
	h, err := r.Start(spec)
	if err != nil {
		return err
	}
	select {
	case <-h.Done():
		return h.Wait()
	case <-ctx.Done():
		if terr := h.Terminate(grace); terr != nil {
			return fmt.Errorf("%s interrupted: %w (terminate: %v)", spec.Label(), context.Cause(ctx), terr)
		}
		return fmt.Errorf("%s interrupted: %w", spec.Label(), context.Cause(ctx))
	}
}
