// Package chain runs the one-shot chain preparation steps: chain spec
// generation followed by a purge of previous chain state.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/carp/internal/history"
	"github.com/loykin/carp/internal/metrics"
	"github.com/loykin/carp/internal/process"
)

// Step names used in errors, logs and metrics.
const (
	StepGenerate = "generate"
	StepPurge    = "purge"
)

// SpecFileName is the file the builder writes into its working directory.
const SpecFileName = "chain_spec.json"

// Process names of the preparation commands.
const (
	GenerateName = "chain-spec-builder"
	PurgeName    = "purge-chain"
)

// PrepareError reports a failed preparation step.
type PrepareError struct {
	Step string
	Err  error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare %s: %v", e.Step, e.Err)
}

func (e *PrepareError) Unwrap() error { return e.Err }

// GenerateOptions are the chain spec parameters.
type GenerateOptions struct {
	RuntimePath string
	ParaID      int
	RelayChain  string
	Preset      string
}

// Args returns the chain spec builder arguments.
func (o GenerateOptions) Args() []string {
	return []string{
		"create",
		"--runtime", o.RuntimePath,
		"--para-id", strconv.Itoa(o.ParaID),
		"--relay-chain", o.RelayChain,
		"named-preset", o.Preset,
	}
}

// Preparer invokes the chain spec builder and the node's purge subcommand.
type Preparer struct {
	Runner   process.Runner
	Builder  string // chain spec builder executable
	Node     string // node executable providing purge-chain
	SpecPath string // where the builder writes the chain spec
	Env      []string
	Grace    time.Duration
	History  *history.Recorder
	Log      *slog.Logger
}

func (p *Preparer) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Prepare generates the chain spec and then purges chain data against it.
// Purge is skipped when purge is false; it never runs after a failed generate.
func (p *Preparer) Prepare(ctx context.Context, opts GenerateOptions, purge bool) (string, error) {
	spec, err := p.GenerateChainSpec(ctx, opts)
	if err != nil {
		return "", err
	}
	if !purge {
		return spec, nil
	}
	if err := p.PurgeChainData(ctx, spec); err != nil {
		return "", err
	}
	return spec, nil
}

// GenerateChainSpec runs the builder in the directory of SpecPath and returns
// the path of the written spec. The builder always writes SpecFileName, so
// SpecPath must end in it.
func (p *Preparer) GenerateChainSpec(ctx context.Context, opts GenerateOptions) (string, error) {
	log := p.logger()
	log.Info("generating chain spec", "runtime", opts.RuntimePath, "para_id", opts.ParaID, "relay_chain", opts.RelayChain, "preset", opts.Preset)
	err := p.generate(ctx, opts)
	metrics.IncPrepareStep(StepGenerate, err)
	p.History.Record(ctx, history.Event{Type: history.EventPrepare, Name: StepGenerate, Detail: p.SpecPath, Err: history.ErrText(err)})
	if err != nil {
		return "", &PrepareError{Step: StepGenerate, Err: err}
	}
	log.Info("chain spec written", "path", p.SpecPath)
	return p.SpecPath, nil
}

func (p *Preparer) generate(ctx context.Context, opts GenerateOptions) error {
	if filepath.Base(p.SpecPath) != SpecFileName {
		return fmt.Errorf("chain spec path %s must name a %s file", p.SpecPath, SpecFileName)
	}
	if fi, err := os.Stat(opts.RuntimePath); err != nil {
		return fmt.Errorf("runtime artifact: %w", err)
	} else if fi.IsDir() {
		return fmt.Errorf("runtime artifact %s is a directory", opts.RuntimePath)
	}
	dir := filepath.Dir(p.SpecPath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("chain spec directory: %w", err)
		}
		// the builder runs in dir, so a relative runtime must not resolve against it
		if !filepath.IsAbs(opts.RuntimePath) {
			abs, err := filepath.Abs(opts.RuntimePath)
			if err != nil {
				return fmt.Errorf("runtime artifact: %w", err)
			}
			opts.RuntimePath = abs
		}
	} else {
		dir = ""
	}
	spec := process.Spec{Name: GenerateName, Path: p.Builder, Args: opts.Args(), WorkDir: dir, Env: p.Env, Stdio: process.StdioInherit}
	if err := process.Run(ctx, p.Runner, spec, p.Grace); err != nil {
		return err
	}
	return checkSpec(p.SpecPath)
}

// checkSpec verifies the builder produced a JSON document at path.
func checkSpec(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("chain spec not produced: %w", err)
	}
	if !json.Valid(b) {
		return errors.New("chain spec " + path + " is not valid JSON")
	}
	return nil
}

// PurgeChainData removes chain state for specPath, auto-confirming the prompt.
// A non-zero exit is fatal.
func (p *Preparer) PurgeChainData(ctx context.Context, specPath string) error {
	p.logger().Info("purging chain data", "chain", specPath)
	spec := process.Spec{Name: PurgeName, Path: p.Node, Args: PurgeArgs(specPath), Env: p.Env, Stdio: process.StdioInherit}
	err := process.Run(ctx, p.Runner, spec, p.Grace)
	metrics.IncPrepareStep(StepPurge, err)
	p.History.Record(ctx, history.Event{Type: history.EventPrepare, Name: StepPurge, Detail: spec.CommandLine(), Err: history.ErrText(err)})
	if err != nil {
		return &PrepareError{Step: StepPurge, Err: err}
	}
	return nil
}

// PurgeArgs returns the node arguments that purge chain state for specPath.
func PurgeArgs(specPath string) []string {
	return []string{"purge-chain", "--chain", specPath, "-y"}
}
