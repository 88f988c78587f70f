package coord

// ============================================================================
// Coordination Store Error Kinds
// Purpose: typed error kinds surfaced across the core boundary
// ============================================================================

import (
	"errors"
	"strconv"
)

// Sentinel error kinds. Use errors.Is to test for a kind; ErrTransactionFailed
// additionally carries the failing sub-operation via *TransactionError.
var (
	// ErrNotFound: referenced node absent (job/task id unknown).
	ErrNotFound = errors.New("coord: node not found")

	// ErrConflict: a create failed because the node already exists.
	ErrConflict = errors.New("coord: node already exists")

	// ErrTransactionFailed: one or more multi-op sub-operations failed; the
	// whole transaction rolled back with no partial effects.
	ErrTransactionFailed = errors.New("coord: transaction failed")

	// ErrUnavailable: the store is closed or unreachable.
	ErrUnavailable = errors.New("coord: store unavailable")

	// ErrInvalid: malformed input (bad path, nil payload where required).
	ErrInvalid = errors.New("coord: invalid argument")

	// ErrAborted: a blocking call (queue Get, lock Acquire) was cancelled by
	// its context rather than failing on its own terms.
	ErrAborted = errors.New("coord: operation aborted")
)

// TransactionError wraps ErrTransactionFailed with the first failing
// sub-operation, so callers see which op broke and why rather than a bare
// rollback signal.
type TransactionError struct {
	Name     string // caller-supplied transaction name, for logging
	OpIndex  int    // index of the first failing operation
	Path     string // path of the first failing operation
	Cause    error  // underlying error (ErrNotFound / ErrConflict / ...)
}

func (e *TransactionError) Error() string {
	return "coord: transaction " + e.Name + " failed at op " + strconv.Itoa(e.OpIndex) + " (" + e.Path + "): " + e.Cause.Error()
}

// Is reports true for ErrTransactionFailed, so callers that only care
// "did the transaction fail" can use errors.Is(err, ErrTransactionFailed)
// without caring which sub-operation caused it.
func (e *TransactionError) Is(target error) bool {
	return target == ErrTransactionFailed
}

// Unwrap exposes the failing sub-operation's cause, so errors.Is(err,
// ErrConflict) / errors.Is(err, ErrNotFound) work through a TransactionError
// exactly as they would for a bare single-op failure.
func (e *TransactionError) Unwrap() error {
	return e.Cause
}
