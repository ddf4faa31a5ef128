package installer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/carp/internal/history"
	"github.com/loykin/carp/internal/metrics"
	"github.com/loykin/carp/internal/process"
)

const (
	DefaultTool         = "cargo"
	DefaultProbeTimeout = 2 * time.Second
	probeGrace          = 500 * time.Millisecond
)

// InstallError reports a dependency whose install command failed to spawn or
// exited non-zero.
type InstallError struct {
	Bin     string
	Package string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s (for %s): %v", e.Package, e.Bin, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Installer ensures required executables are present, installing absent ones
// one at a time through the install tool.
type Installer struct {
	runner       process.Runner
	tool         string
	probeArgs    []string
	probeTimeout time.Duration
	grace        time.Duration
	env          []string
	history      *history.Recorder
	log          *slog.Logger
}

type Option func(*Installer)

// WithTool sets the install tool executable (default cargo).
func WithTool(tool string) Option { return func(i *Installer) { i.tool = tool } }

// WithProbe sets the probe arguments and how long a started probe may run
// before it is terminated.
func WithProbe(args []string, timeout time.Duration) Option {
	return func(i *Installer) {
		i.probeArgs = append([]string(nil), args...)
		if timeout > 0 {
			i.probeTimeout = timeout
		}
	}
}

// WithEnv sets the environment of probe and install commands.
func WithEnv(env []string) Option { return func(i *Installer) { i.env = env } }

// WithGrace sets the termination grace used when ctx is cancelled mid-install.
func WithGrace(d time.Duration) Option { return func(i *Installer) { i.grace = d } }

func WithHistory(r *history.Recorder) Option { return func(i *Installer) { i.history = r } }

func WithLogger(l *slog.Logger) Option { return func(i *Installer) { i.log = l } }

func New(r process.Runner, opts ...Option) *Installer {
	i := &Installer{
		runner:       r,
		tool:         DefaultTool,
		probeArgs:    []string{"--version"},
		probeTimeout: DefaultProbeTimeout,
		grace:        process.DefaultGrace,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// EnsureInstalled probes every dependency in order and installs the absent
// ones synchronously. The first install failure stops the loop.
func (i *Installer) EnsureInstalled(ctx context.Context, deps []Dependency) error {
	for _, d := range deps {
		if err := context.Cause(ctx); err != nil {
			return err
		}
		if i.Present(ctx, d) {
			i.log.Info("dependency present", "bin", d.Bin)
			continue
		}
		i.log.Info("dependency missing, installing", "bin", d.Bin, "package", d.Package)
		if err := i.Install(ctx, d); err != nil {
			return err
		}
		i.log.Info("dependency installed", "bin", d.Bin, "package", d.Package)
	}
	return nil
}

// Present starts d.Bin with its output discarded. A successful spawn means the
// binary is installed whatever its exit status; the probe is not left running.
func (i *Installer) Present(ctx context.Context, d Dependency) bool {
	h, err := i.runner.Start(process.Spec{
		Name:  ProbeName(d.Bin),
		Path:  d.Bin,
		Args:  i.probeArgs,
		Env:   i.env,
		Stdio: process.StdioDiscard,
	})
	if err != nil {
		i.log.Debug("presence probe failed", "bin", d.Bin, "error", err)
		metrics.IncProbe(d.Bin, false)
		return false
	}
	metrics.IncProbe(d.Bin, true)
	t := time.NewTimer(i.probeTimeout)
	defer t.Stop()
	select {
	case <-h.Done():
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	if err := h.Terminate(probeGrace); err != nil {
		i.log.Warn("presence probe did not stop", "bin", d.Bin, "pid", h.PID(), "error", err)
	}
	return true
}

// ProbeName is the process name of the presence probe for bin.
func ProbeName(bin string) string { return "probe " + bin }

// Install runs the install tool for d and waits for it to finish.
func (i *Installer) Install(ctx context.Context, d Dependency) error {
	spec := process.Spec{
		Name:  "install " + d.Package,
		Path:  i.tool,
		Args:  d.InstallArgs(),
		Env:   i.env,
		Stdio: process.StdioInherit,
	}
	i.log.Debug("running install", "command", spec.CommandLine())
	err := process.Run(ctx, i.runner, spec, i.grace)
	metrics.IncInstall(d.Package, err)
	i.history.Record(ctx, history.Event{
		Type:   history.EventInstall,
		Name:   d.Package,
		Detail: strings.Join(append([]string{i.tool}, spec.Args...), " "),
		Err:    history.ErrText(err),
	})
	if err != nil {
		return &InstallError{Bin: d.Bin, Package: d.Package, Err: err}
	}
	return nil
}
