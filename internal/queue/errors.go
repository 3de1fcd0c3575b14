package queue

import "errors"

var (
	// ErrQueueFull is returned synchronously from Enqueue when the queue
	// already holds its maximum number of operations.
	ErrQueueFull   = errors.New("operation queue full")
	ErrNotFound    = errors.New("operation not found")
	ErrUnknownKind = errors.New("unknown operation kind")
)
