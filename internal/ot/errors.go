package ot

import "errors"

var (
	// ErrMalformedTransaction is returned when a transaction's spanned length
	// does not match the document it is built against.
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrLengthMismatch is returned when a transaction is applied to a
	// document of a different length than its base.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrFutureBase is returned when a change claims a base beyond the end of
	// canonical history.
	ErrFutureBase = errors.New("change based on future history")

	// ErrOutOfOrderHistory is returned when a client receives canonical
	// history that skips positions.
	ErrOutOfOrderHistory = errors.New("out of order history")

	// ErrRebaseInvariantBroken signals an internal inconsistency after a
	// rebase. The session holding the corrupted state must be abandoned.
	ErrRebaseInvariantBroken = errors.New("rebase invariant broken")

	// ErrStartMismatch is returned when two changes that must share a base do
	// not, or a change does not continue where another ends.
	ErrStartMismatch = errors.New("change start mismatch")
)
