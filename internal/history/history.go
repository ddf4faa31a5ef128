package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventInstall   EventType = "install"   // a dependency was installed (or failed to)
	EventPrepare   EventType = "prepare"   // a chain preparation step finished
	EventSpawn     EventType = "spawn"     // a service was started
	EventExit      EventType = "exit"      // a service exited
	EventTerminate EventType = "terminate" // a termination request completed
)

// Event is one lifecycle fact exported to an external store.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"` // service, package or step name
	PID        int       `json:"pid"`
	Detail     string    `json:"detail"` // command line or other context
	Err        string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 3 * time.Second

// Recorder fans events out to sinks. History is advisory: a failing sink is
// logged and never fails the caller. A nil *Recorder records nothing.
type Recorder struct {
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: append([]Sink(nil), sinks...)}
}

// Record stamps e with the current time if unset and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	// shutdown records events after the signal cancelled ctx
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(sctx, e); err != nil {
			slog.WarnContext(ctx, "history sink failed", "event", e.Type, "name", e.Name, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// ErrText renders err for storage; nil becomes the empty string.
func ErrText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
