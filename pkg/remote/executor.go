// Package remote runs commands on the deployment host.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/kangbeef/deploy/pkg/deployerr"
)

// Executor runs a command and reports its outcome.
//
// A non-nil error means the command could not be run at all (transport failure,
// cancellation). A command that ran and exited non-zero is reported through
// Result.ExitCode with a nil error.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns trimmed stdout.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout)
}

// Message returns the most useful diagnostic text of the result.
func (r Result) Message() string {
	msg := strings.TrimSpace(r.Stderr)
	if len(msg) == 0 {
		msg = strings.TrimSpace(r.Stdout)
	}
	if len(msg) == 0 {
		msg = "no output"
	}
	return msg
}

// Require runs cmd and converts a non-zero exit into a CommandFailure.
func Require(ctx context.Context, exec Executor, cmd Command, what string) (Result, error) {
	res, err := exec.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, Failure(what, res)
	}
	return res, nil
}

// Failure describes a command that ran but exited non-zero.
func Failure(what string, res Result) error {
	return deployerr.Errorf(deployerr.CommandFailure, "%s: exit status %d: %s", what, res.ExitCode, res.Message())
}

func transportError(format string, args ...any) error {
	return deployerr.Wrap(deployerr.TransportError, fmt.Errorf(format, args...))
}

// contextError classifies an aborted command.
func contextError(ctx context.Context, line string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return deployerr.Errorf(deployerr.Timeout, "%s: %w", line, ctx.Err())
	}
	return deployerr.Errorf(deployerr.TransportError, "%s: %w", line, ctx.Err())
}
