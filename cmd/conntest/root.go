package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nao1215/conntest/internal/probe"
)

// Process exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// errProbeFailed is returned by commands whose failure has already been
// reported on the output streams.
var errProbeFailed = errors.New("probe failed")

// usageError marks errors caused by the invocation itself: unknown
// protocols, bad flags, invalid configuration.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func newUsageError(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

// NewRootCmd creates the root command for conntest.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conntest",
		Short: "Check that credentials are accepted by a remote service",
		Long: `conntest performs one authenticated connectivity check against a remote
service and reports whether the credentials were accepted.

It connects, authenticates with the minimal handshake the protocol
allows and disconnects. On success it prints one line to stdout and
exits 0. On failure it prints one line to stderr and exits 1. Usage
errors exit 2.

Passwords can be given with -p or through the CONNTEST_PASSWORD
environment variable. They are never written to logs or history.`,
		Version:       getVersion(),
		Args:          cobra.ArbitraryArgs,
		RunE:          runRootCmd,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging on stderr")
	cmd.PersistentFlags().Bool("json", false,
		"Output results as JSON lines (mutually exclusive with --markdown)")
	cmd.PersistentFlags().Bool("markdown", false,
		"Output results as a Markdown report (mutually exclusive with --json)")
	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file path (default: .conntest in current or home directory)")
	cmd.PersistentFlags().String("proxy", "",
		"SOCKS5 proxy (host:port) for TCP based probes")
	cmd.PersistentFlags().Bool("no-history", false,
		"Do not record results in the history database")
	cmd.PersistentFlags().String("db-dir", "",
		"Directory of the history database (default: XDG data directory)")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return newUsageError(err)
	})

	// One subcommand per protocol
	for _, p := range probe.NewRegistry().List() {
		cmd.AddCommand(newProbeCmd(p))
	}

	cmd.AddCommand(NewBatchCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewProtocolsCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// runRootCmd handles invocations that name no known subcommand.
func runRootCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	return newUsageError(fmt.Errorf("%w %q (see 'conntest protocols')", probe.ErrUnknownProtocol, args[0]))
}

// run executes conntest with args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	return exitCode(cmd.ExecuteContext(ctx), stderr)
}

// exitCode reports err on stderr unless it was reported already, and maps
// it to an exit code.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}

	code := exitFailure
	var ue *usageError
	if errors.As(err, &ue) {
		code = exitUsage
	}
	if !errors.Is(err, errProbeFailed) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
