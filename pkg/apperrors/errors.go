// Package apperrors defines the error taxonomy shared by the orchestrator,
// HAM store, registry, and messaging substrate (spec §7). The taxonomy,
// not the exact spelling, is the contract: every failure surfaced past a
// public entry point is one of these, wrapped with context via %w.
package apperrors

import "errors"

var (
	// ErrPlan covers malformed plans, unresolvable placeholders, and
	// forward/intra-stage dependencies. Terminal for the step and the task.
	ErrPlan = errors.New("plan error")

	// ErrCapabilityNotFound means no advertisement matched an HSP step's
	// capability_id (or target_ai_id). Terminal for the step.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrPeer means a peer returned a TaskResult with status=error.
	// Retryable until retries_left == 0.
	ErrPeer = errors.New("peer reported error")

	// ErrTimeout means no TaskResult arrived before the HSP window elapsed.
	// Retryable under the same budget as ErrPeer.
	ErrTimeout = errors.New("hsp timeout")

	// ErrDispatch means the messaging substrate refused the publish or the
	// reconnect budget was exhausted. Retryable as above.
	ErrDispatch = errors.New("dispatch error")

	// ErrTool means a local tool or LLM invocation failed. Terminal for
	// the local step; retries for local calls are not a core concern.
	ErrTool = errors.New("tool error")

	// ErrIntegrity means HAM decryption or checksum verification failed.
	// Terminal for the read.
	ErrIntegrity = errors.New("integrity error")

	// ErrCorruption means HAM decompression failed. Same handling as
	// ErrIntegrity.
	ErrCorruption = errors.New("corruption error")

	// ErrResourceRefusal means the HAM store refused a write because the
	// configured ResourceProfile declared the simulated disk full.
	ErrResourceRefusal = errors.New("resource refusal")

	// ErrDraining means submit_task was rejected because the process is
	// draining.
	ErrDraining = errors.New("draining")

	// ErrDeadlineExceeded means a task-level deadline expired.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrNotFound is a generic lookup miss (HAM record, registry entry).
	ErrNotFound = errors.New("not found")
)

// Error wraps one of the sentinel kinds above with an operation name and
// optional entity id, following the teacher's FrameworkError shape.
type Error struct {
	Op      string
	ID      string
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" && e.ID != "" {
		return e.Op + " [" + e.ID + "]: " + msg
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is lets errors.Is(err, apperrors.ErrPlan) succeed against a wrapped
// *Error whose Kind matches, even when Err is a different underlying cause.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// New constructs an *Error of the given kind.
func New(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NewWithID constructs an *Error of the given kind tied to an entity id.
func NewWithID(op, id string, kind error, err error) *Error {
	return &Error{Op: op, ID: id, Kind: kind, Err: err}
}

// Retryable reports whether the step-level retry loop (spec §4.6.4)
// should consume a retry budget for this error instead of failing terminally.
func Retryable(err error) bool {
	return errors.Is(err, ErrPeer) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrDispatch)
}

// Terminal reports whether err is one of the kinds that never retries at
// the core level, regardless of remaining budget.
func Terminal(err error) bool {
	return errors.Is(err, ErrPlan) ||
		errors.Is(err, ErrCapabilityNotFound) ||
		errors.Is(err, ErrTool) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrCorruption)
}
