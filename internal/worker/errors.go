package worker

import "errors"

var (
	// ErrMaxRetriesExceeded marks a sync pass that dead-lettered operations.
	ErrMaxRetriesExceeded = errors.New("operations exceeded their retry budget")
	// ErrConflictUnresolvable is reserved for a manual-review policy. No
	// shipped policy produces it.
	ErrConflictUnresolvable = errors.New("conflict requires manual resolution")
	// ErrSessionInvalid means the remote rejected our credentials and the
	// token refresh did not help.
	ErrSessionInvalid = errors.New("session invalid")
)
