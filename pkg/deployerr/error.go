package deployerr

import (
	"context"
	"errors"
	"fmt"
)

type ExitCode int

// Keep separate to avoid skewing exit codes
const (
	ExitSuccess ExitCode = iota
	ExitTransportError
	ExitArchitectureMismatch
	ExitHealthCheckTimeout
	ExitMigrationFailure
	ExitCommandFailure
	ExitBuildFailure
	ExitInvocationFailure
	ExitInternalError
	ExitTimeout
)

// Kind classifies a failure. Whether a kind aborts the pipeline is decided by Fatal.
type Kind string

const (
	TransportError       Kind = "TransportError"
	ArchitectureMismatch Kind = "ArchitectureMismatch"
	HealthCheckTimeout   Kind = "HealthCheckTimeout"
	MigrationFailure     Kind = "MigrationFailure"
	BackupFailure        Kind = "BackupFailure"
	CacheRebuildFailure  Kind = "CacheRebuildFailure"
	CommandFailure       Kind = "CommandFailure"
	BuildFailure         Kind = "BuildFailure"
	InvocationFailure    Kind = "InvocationFailure"
	Timeout              Kind = "Timeout"
	InternalError        Kind = "InternalError"
)

// Fatal reports whether errors of this kind abort a deployment when no override is given.
func (k Kind) Fatal() bool {
	switch k {
	case BackupFailure, CacheRebuildFailure:
		return false
	default:
		return true
	}
}

// Overridable reports whether the operator force flag may downgrade this kind to a warning.
func (k Kind) Overridable() bool {
	switch k {
	case HealthCheckTimeout, MigrationFailure:
		return true
	default:
		return false
	}
}

func (k Kind) ExitCode() ExitCode {
	switch k {
	case TransportError:
		return ExitTransportError
	case ArchitectureMismatch:
		return ExitArchitectureMismatch
	case HealthCheckTimeout:
		return ExitHealthCheckTimeout
	case MigrationFailure:
		return ExitMigrationFailure
	case CommandFailure:
		return ExitCommandFailure
	case BuildFailure:
		return ExitBuildFailure
	case InvocationFailure:
		return ExitInvocationFailure
	case Timeout:
		return ExitTimeout
	case BackupFailure, CacheRebuildFailure:
		return ExitSuccess
	default:
		return ExitInternalError
	}
}

type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (err *Error) Error() string {
	if len(err.Stage) > 0 {
		return fmt.Sprintf("%s: %s: %s", err.Stage, err.Kind, err.Err)
	}
	return fmt.Sprintf("%s: %s", err.Kind, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Err:  fmt.Errorf(format, args...),
	}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{
		Kind: kind,
		Err:  err,
	}
}

// WithStage attaches the pipeline stage to err, keeping the innermost kind.
// Errors without a kind become InternalError, or Timeout when caused by a deadline.
func WithStage(stage string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Stage: stage, Err: e.Err}
	}
	kind := InternalError
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of err, or the empty string for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return InternalError
}

// StageOf returns the stage recorded on err, if any.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

func ErrorExitCode(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	return KindOf(err).ExitCode()
}
