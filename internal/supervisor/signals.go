package supervisor

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// RelaySignals returns a context cancelled with a *SignalError cause by the
// first signal read from sigs. Later signals are logged and otherwise ignored
// so that a repeated interrupt cannot trigger a second shutdown. stop ends the
// relay goroutine and cancels the context; it is safe to call more than once.
func RelaySignals(parent context.Context, sigs <-chan os.Signal, log *slog.Logger) (context.Context, func()) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first := true
		for {
			select {
			case sig := <-sigs:
				if first {
					first = false
					log.Info("signal received, shutting down", "signal", sig.String())
					cancel(&SignalError{Signal: sig})
					continue
				}
				log.Warn("shutdown already in progress, ignoring signal", "signal", sig.String())
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(quit)
			wg.Wait()
			cancel(context.Canceled)
		})
	}
	return ctx, stop
}
