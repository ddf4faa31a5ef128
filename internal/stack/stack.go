// Package stack wires the install, prepare and supervise phases together.
package stack

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/carp/internal/chain"
	"github.com/loykin/carp/internal/config"
	"github.com/loykin/carp/internal/env"
	"github.com/loykin/carp/internal/history"
	"github.com/loykin/carp/internal/installer"
	"github.com/loykin/carp/internal/metrics"
	"github.com/loykin/carp/internal/process"
	"github.com/loykin/carp/internal/supervisor"
)

// Service names used in logs, metrics, history and pid files.
const (
	NodeService = "omni-node"
	RPCService  = "eth-rpc"
)

type Stack struct {
	cfg      config.Config
	runner   process.Runner
	log      *slog.Logger
	out      io.Writer
	registry prometheus.Registerer
	gatherer prometheus.Gatherer
	history  *history.Recorder
	baseEnv  []string
}

type Option func(*Stack)

// WithRunner replaces the exec-backed runner, mostly for tests.
func WithRunner(r process.Runner) Option { return func(s *Stack) { s.runner = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Stack) { s.log = l } }

// WithOutput sets where the startup banner is written (default stdout).
func WithOutput(w io.Writer) Option { return func(s *Stack) { s.out = w } }

// WithRegistry registers metrics in reg and serves reg on the metrics
// listener instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Stack) {
		s.registry = reg
		s.gatherer = reg
	}
}

// WithHistory overrides the recorder built from the history DSN.
func WithHistory(r *history.Recorder) Option { return func(s *Stack) { s.history = r } }

// WithBaseEnv replaces the OS environment as the base of child environments.
func WithBaseEnv(kvs []string) Option { return func(s *Stack) { s.baseEnv = kvs } }

func New(cfg config.Config, opts ...Option) *Stack {
	s := &Stack{
		cfg:      cfg,
		runner:   process.ExecRunner{},
		log:      slog.Default(),
		out:      os.Stdout,
		registry: prometheus.DefaultRegisterer,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NodeArgs returns the block-producing node arguments.
func NodeArgs(c config.Config) []string {
	args := []string{"--chain", c.Chain.SpecPath, "--dev-block-time", strconv.Itoa(c.Node.BlockTimeMS)}
	return append(args, c.Node.ExtraArgs...)
}

// RPCArgs returns the RPC bridge arguments.
func RPCArgs(c config.Config) []string {
	args := []string{"--chain", c.Chain.SpecPath, "--rpc-cors=" + c.RPC.CORS, "--log=" + c.RPC.LogFilter}
	return append(args, c.RPC.ExtraArgs...)
}

// Services returns the specs of the long-running services, node first.
func Services(c config.Config, environ []string) []process.Spec {
	stdio := process.StdioInherit
	if c.Log.Services.Enabled() {
		stdio = process.StdioLog
	}
	mk := func(name, bin string, args []string) process.Spec {
		return process.Spec{
			Name:    name,
			Path:    bin,
			Args:    args,
			Env:     environ,
			PIDFile: c.PIDFile(name),
			Stdio:   stdio,
			Log:     c.Log.Services,
		}
	}
	return []process.Spec{
		mk(NodeService, c.Node.Bin, NodeArgs(c)),
		mk(RPCService, c.RPC.Bin, RPCArgs(c)),
	}
}

func (s *Stack) environ() ([]string, error) {
	e := env.New()
	if s.baseEnv != nil {
		e = env.NewFrom(s.baseEnv)
	}
	kvs, err := s.cfg.ServiceEnv()
	if err != nil {
		return nil, err
	}
	e.Apply(kvs)
	return e.Environ(), nil
}

// Run installs missing dependencies, prepares the chain, then supervises the
// services until ctx is cancelled. It returns nil after a clean shutdown.
func (s *Stack) Run(ctx context.Context) error {
	log := s.log
	environ, err := s.environ()
	if err != nil {
		return err
	}
	deps, err := installer.FromConfig(s.cfg.Dependencies)
	if err != nil {
		return err
	}

	stopMetrics := s.startMetrics(ctx)
	defer stopMetrics()
	rec, closeHistory := s.openHistory()
	defer closeHistory()

	log.Info("checking dependencies", "count", len(deps))
	inst := installer.New(s.runner,
		installer.WithTool(s.cfg.Install.Tool),
		installer.WithProbe(s.cfg.Install.ProbeArgs, s.cfg.Install.ProbeTimeout),
		installer.WithEnv(environ),
		installer.WithGrace(s.cfg.StopGrace),
		installer.WithHistory(rec),
		installer.WithLogger(log),
	)
	if err := inst.EnsureInstalled(ctx, deps); err != nil {
		return err
	}

	prep := &chain.Preparer{
		Runner:   s.runner,
		Builder:  s.cfg.Chain.Builder,
		Node:     s.cfg.Node.Bin,
		SpecPath: s.cfg.Chain.SpecPath,
		Env:      environ,
		Grace:    s.cfg.StopGrace,
		History:  rec,
		Log:      log,
	}
	opts := chain.GenerateOptions{
		RuntimePath: s.cfg.Chain.Runtime,
		ParaID:      s.cfg.Chain.ParaID,
		RelayChain:  s.cfg.Chain.RelayChain,
		Preset:      s.cfg.Chain.Preset,
	}
	if _, err := prep.Prepare(ctx, opts, s.cfg.Chain.Purge); err != nil {
		return err
	}

	log.Info("starting services")
	sup := supervisor.New(s.runner, Services(s.cfg, environ),
		supervisor.WithGrace(s.cfg.StopGrace),
		supervisor.WithHistory(rec),
		supervisor.WithLogger(log),
		supervisor.WithOnRunning(func() { Banner(s.out) }),
	)
	if err := sup.Run(ctx); err != nil {
		return err
	}
	log.Info("carp finished")
	return nil
}

func (s *Stack) startMetrics(ctx context.Context) func() {
	if s.cfg.Metrics.Listen == "" {
		return func() {}
	}
	if err := metrics.Register(s.registry); err != nil {
		s.log.Warn("metrics disabled", "error", err)
		return func() {}
	}
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := metrics.Serve(mctx, s.cfg.Metrics.Listen, s.gatherer); err != nil {
			s.log.Warn("metrics listener stopped", "addr", s.cfg.Metrics.Listen, "error", err)
		}
	}()
	s.log.Info("serving metrics", "addr", s.cfg.Metrics.Listen)
	return func() {
		cancel()
		<-done
	}
}

func (s *Stack) openHistory() (*history.Recorder, func()) {
	if s.history != nil {
		return s.history, func() {}
	}
	if s.cfg.History.DSN == "" {
		return nil, func() {}
	}
	sink, err := history.NewSinkFromDSN(s.cfg.History.DSN)
	if err != nil {
		s.log.Warn("history disabled", "error", err)
		return nil, func() {}
	}
	rec := history.NewRecorder(sink)
	return rec, func() {
		if err := rec.Close(); err != nil {
			s.log.Warn("close history", "error", err)
		}
	}
}
