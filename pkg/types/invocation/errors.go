package invocation

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage names the dispatch step that produced an error.
type Stage string

const (
	StageResolve   Stage = "resolve"
	StageAuthorize Stage = "authorize"
	StageExecute   Stage = "execute"
)

// Kind classifies an error within its stage.
type Kind string

// Resolution errors
const (
	KindSkillNotFound           Kind = "SkillNotFound"
	KindInstanceNotFound        Kind = "InstanceNotFound"
	KindNoInstanceAvailable     Kind = "NoInstanceAvailable"
	KindMissingRequiredVariable Kind = "MissingRequiredVariable"
	KindInvalidRuntimeConfig    Kind = "InvalidRuntimeConfig"
	KindToolNotFound            Kind = "ToolNotFound"
	KindInvalidArguments        Kind = "InvalidArguments"
)

// Policy violations
const (
	KindCommandNotAllowed        Kind = "CommandNotAllowed"
	KindArgumentForbidden        Kind = "ArgumentForbidden"
	KindDomainNotAllowed         Kind = "DomainNotAllowed"
	KindPathNotAllowed           Kind = "PathNotAllowed"
	KindConcurrencyLimitExceeded Kind = "ConcurrencyLimitExceeded"
)

// Execution failures
const (
	KindBackendLaunchFailed Kind = "BackendLaunchFailed"
	KindTimedOut            Kind = "TimedOut"
	KindNonZeroExit         Kind = "NonZeroExit"
	KindSandboxTrap         Kind = "SandboxTrap"
	KindMemoryLimitExceeded Kind = "MemoryLimitExceeded"
	KindInternal            Kind = "Internal"
)

// Error is the error taxonomy of the runtime. Every failure that reaches a
// caller carries the stage it happened in and its kind.
type Error struct {
	Stage   Stage
	Kind    Kind
	Message string
	Cause   error
}

// NewError builds an Error with a formatted message.
func NewError(stage Stage, kind Kind, format string, args ...any) *Error {
	return &Error{Stage: stage, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that keeps cause for errors.Is/As and logging.
func WrapError(cause error, stage Stage, kind Kind, format string, args ...any) *Error {
	return &Error{Stage: stage, Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether retrying the same request may succeed without
// any change. Only concurrency rejections qualify.
func (e *Error) Retryable() bool {
	return e.Kind == KindConcurrencyLimitExceeded
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Retryable()
}
