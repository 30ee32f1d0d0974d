package types

import "errors"

// Error taxonomy shared by every component.
var (
	// ErrVersionConflict is transient: re-read the instance and retry.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicatePending means the instance already has an open checkpoint.
	ErrDuplicatePending = errors.New("pending checkpoint already exists")
	// ErrAlreadyResolved is returned for a decision on a resolved checkpoint.
	ErrAlreadyResolved = errors.New("checkpoint already resolved")
	// ErrNotFound covers unknown instances and checkpoints.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the operation is not valid from the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrCompensationFailure means a rollback step failed and the instance is FAILED.
	ErrCompensationFailure = errors.New("compensation failed")

	ErrInvalidArgument     = errors.New("invalid argument")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrActionNotRegistered = errors.New("action not registered")
)

// Exit codes reported by the CLI, one per error class.
const (
	ExitOK = iota
	ExitInternal
	ExitInvalidArgument
	ExitNotFound
	ExitVersionConflict
	ExitDuplicatePending
	ExitAlreadyResolved
	ExitInvalidState
	ExitCompensationFailure
)

// ExitCode maps an error to its process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrActionNotRegistered):
		return ExitInvalidArgument
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWorkflowNotFound):
		return ExitNotFound
	case errors.Is(err, ErrCompensationFailure):
		return ExitCompensationFailure
	case errors.Is(err, ErrVersionConflict):
		return ExitVersionConflict
	case errors.Is(err, ErrDuplicatePending):
		return ExitDuplicatePending
	case errors.Is(err, ErrAlreadyResolved):
		return ExitAlreadyResolved
	case errors.Is(err, ErrInvalidState):
		return ExitInvalidState
	default:
		return ExitInternal
	}
}
