package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/carp"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		report(os.Stderr, err)
		os.Exit(1)
	}
}

// loggedError marks an error that the structured logger already reported.
type loggedError struct{ err error }

func (e *loggedError) Error() string { return e.err.Error() }

func (e *loggedError) Unwrap() error { return e.err }

// report prints err unless it was already logged.
func report(w io.Writer, err error) {
	var le *loggedError
	if errors.As(err, &le) {
		return
	}
	_, _ = fmt.Fprintln(w, err)
}

// RootFlags holds the flags of the root command.
type RootFlags struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	flags := &RootFlags{}
	root := &cobra.Command{
		Use:   "carp",
		Short: "Run a local parachain node with an Ethereum RPC bridge",
		Long: `Carp installs polkadot-omni-node, chain-spec-builder and eth-rpc when they
are missing, generates ./chain_spec.json from ./runtimes/westend.wasm, purges
old chain data and runs the node next to the RPC bridge until interrupted.

Defaults can be overridden with ./carp.toml or CARP_* environment variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, *flags)
		},
	}
	root.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func run(cmd *cobra.Command, flags RootFlags) error {
	cfg, err := carp.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	log, err := carp.NewLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	ctx, stop := carp.RelaySignals(cmd.Context(), sigs, log)
	defer stop()

	if err := carp.Run(ctx, cfg, log); err != nil {
		log.Error("carp failed", "error", err)
		return &loggedError{err: err}
	}
	return nil
}
