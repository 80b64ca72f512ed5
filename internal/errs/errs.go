// Package errs defines the error taxonomy used across the orchestration
// core (spec.md §7): transient KV conflicts, activity failures, unrecoverable
// workflow errors, signal/protocol mismatches, input drift on replay, and
// synchronous validation errors. Each kind is its own small type (mirroring
// the teacher's toolerrors/provider_error/await_errors split) rather than one
// monolithic error enum, so callers use errors.Is/As instead of switching on
// a string code.
package errs

import (
	"errors"
	"fmt"
)

// Retryable wraps an error the KV substrate (or a caller's RunTransaction
// loop) should transparently retry. The driver returns this for optimistic
// conflicts; RunTransaction re-invokes the closure.
type Retryable struct {
	Err error
}

func (e *Retryable) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *Retryable) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or any error it wraps) is a Retryable.
func IsRetryable(err error) bool {
	var r *Retryable
	return errors.As(err, &r)
}

// ActivityError records a failed activity attempt. The workflow engine
// accumulates these (via the history's error_count sidecar) to decide retry
// backoff and, after the retry budget is exhausted, to surface the error to
// the workflow.
type ActivityError struct {
	ActivityName string
	Attempt      int
	Err          error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %q failed (attempt %d): %v", e.ActivityName, e.Attempt, e.Err)
}
func (e *ActivityError) Unwrap() error { return e.Err }

// Unrecoverable is raised by user workflow code via the typed mechanism
// described in spec.md §4.C. It is recorded as the workflow's `error`, never
// retried, and emits a Failed message.
type Unrecoverable struct {
	Code    string
	Message string
}

func (e *Unrecoverable) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewUnrecoverable constructs an Unrecoverable error with the given code and
// message. Workflow bodies call this to signal a terminal failure that must
// not be retried.
func NewUnrecoverable(code, message string) error {
	return &Unrecoverable{Code: code, Message: message}
}

// IsUnrecoverable reports whether err is an Unrecoverable error.
func IsUnrecoverable(err error) bool {
	var u *Unrecoverable
	return errors.As(err, &u)
}

// ProtocolMismatch indicates a signal or state transition the receiver did
// not expect (engine/runner desync, or a workflow receiving a signal variant
// it has no handler for). Logged; the workflow enters Dead.
type ProtocolMismatch struct {
	Expected string
	Got      string
}

func (e *ProtocolMismatch) Error() string {
	return fmt.Sprintf("protocol mismatch: expected %s, got %s", e.Expected, e.Got)
}

// InputDrift is fatal: an activity's input hash does not match the hash
// recorded in history, meaning replay determinism has been broken. There is
// no recovery path; the workflow must be abandoned.
type InputDrift struct {
	Location     string
	ActivityName string
}

func (e *InputDrift) Error() string {
	return fmt.Sprintf("input drift at location %s for activity %q: replay is no longer deterministic", e.Location, e.ActivityName)
}

// Validation is a structured, synchronous rejection returned at dispatch
// time (spec.md §7 "Validation errors"). These never enter the engine.
type Validation struct {
	Code    string
	Message string
}

func (e *Validation) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Common validation codes from spec.md §6's parameter constraints.
const (
	CodeTooManyTags    = "TOO_MANY_TAGS"
	CodeTagTooLong     = "TAG_TOO_LONG"
	CodeTagValueTooLong = "TAG_VALUE_TOO_LONG"
	CodeTooManyEnvVars = "TOO_MANY_ENV_VARS"
	CodeEnvKeyTooLong  = "ENV_KEY_TOO_LONG"
	CodeEnvValueTooLong = "ENV_VALUE_TOO_LONG"
	CodeTooManyPorts   = "TOO_MANY_PORTS"
	CodePortNameTooLong = "PORT_NAME_TOO_LONG"
	CodeBuildNotFound  = "BUILD_NOT_FOUND"
	CodeUnknownWorkflow = "UNKNOWN_WORKFLOW"
)

// NewValidation constructs a Validation error with the given code.
func NewValidation(code, message string) error {
	return &Validation{Code: code, Message: message}
}
