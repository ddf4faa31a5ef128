package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carp"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installer",
			Name:      "probes_total",
			Help:      "Presence probes by binary and outcome (present, absent).",
		}, []string{"bin", "result"},
	)
	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "installer",
			Name:      "installs_total",
			Help:      "Install attempts by package and outcome.",
		}, []string{"package", "result"},
	)
	prepareSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "steps_total",
			Help:      "Chain preparation steps by step and outcome.",
		}, []string{"step", "result"},
	)
	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "spawns_total",
			Help:      "Service spawn attempts by service and outcome.",
		}, []string{"name", "result"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "terminations_total",
			Help:      "Termination requests by service and outcome.",
		}, []string{"name", "result"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Service exits; expected=false means the service died while running.",
		}, []string{"name", "expected"},
	)
	supervisorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{probes, installs, prepareSteps, spawns, terminations, exits, supervisorState, resources}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

func IncProbe(bin string, present bool) {
	if regOK.Load() {
		r := "absent"
		if present {
			r = "present"
		}
		probes.WithLabelValues(bin, r).Inc()
	}
}

func IncInstall(pkg string, err error) {
	if regOK.Load() {
		installs.WithLabelValues(pkg, result(err)).Inc()
	}
}

func IncPrepareStep(step string, err error) {
	if regOK.Load() {
		prepareSteps.WithLabelValues(step, result(err)).Inc()
	}
}

func IncSpawn(name string, err error) {
	if regOK.Load() {
		spawns.WithLabelValues(name, result(err)).Inc()
	}
}

func IncTermination(name string, err error) {
	if regOK.Load() {
		terminations.WithLabelValues(name, result(err)).Inc()
	}
}

func IncExit(name string, expected bool) {
	if regOK.Load() {
		e := "false"
		if expected {
			e = "true"
		}
		exits.WithLabelValues(name, e).Inc()
	}
}

// SetSupervisorState marks current as the single active state among all.
func SetSupervisorState(current string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		supervisorState.WithLabelValues(s).Set(v)
	}
}
