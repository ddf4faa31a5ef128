// Package carp bootstraps and supervises a local parachain development stack:
// it installs missing binaries, generates and purges the chain, then runs a
// block-producing node next to an Ethereum RPC bridge until interrupted.
package carp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/loykin/carp/internal/config"
	"github.com/loykin/carp/internal/logger"
	"github.com/loykin/carp/internal/stack"
	"github.com/loykin/carp/internal/supervisor"
)

// Re-export configuration types for embedding.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type DependencyConfig = config.DependencyConfig

type GitSource = config.GitSource

type LogOptions = logger.Options

// SignalError is the cancellation cause recorded by RelaySignals.
type SignalError = supervisor.SignalError

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig overlays the TOML file at path (or ./carp.toml when path is
// empty and the file exists) and CARP_* environment variables on DefaultConfig.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// NewLogger builds the slog logger described by cfg.Log.
func NewLogger(w io.Writer, cfg Config) (*slog.Logger, error) {
	return logger.New(w, cfg.Log.Options)
}

// RelaySignals turns the first signal received on sigs into cancellation of
// the returned context; repeated signals are ignored. Call stop when done.
func RelaySignals(ctx context.Context, sigs <-chan os.Signal, log *slog.Logger) (context.Context, func()) {
	return supervisor.RelaySignals(ctx, sigs, log)
}

// Run installs, prepares and supervises the stack until ctx is cancelled.
// It returns nil after every service was terminated cleanly.
func Run(ctx context.Context, cfg Config, log *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if log == nil {
		log = slog.Default()
	}
	return stack.New(cfg, stack.WithLogger(log)).Run(ctx)
}
