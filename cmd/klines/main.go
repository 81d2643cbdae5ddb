// Command klines keeps local kline (candlestick) series in sync with Binance.
//
// Usage:
//
//	klines sync --config klines.yaml
//	klines sync --only BTCUSDT,ETHUSDT
//	klines schedule --cron "@hourly"
//	klines plan
//	klines version
//
// For detailed help on any command, use: klines <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "klines"
	ConfigFile = "klines.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitSetupError  = 3
	ExitJobsFailed  = 4
	ExitInterrupt   = 130
)

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

// run executes the command line in args and returns the exit code.
func run(ctx context.Context, args []string) int {
	cmd := newRootCommand(&app{})
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if ctx.Err() != nil {
		return ExitInterrupt
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return ExitUsageError
}
