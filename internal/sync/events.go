package sync

import "time"

// EventKind names a notable host-facing occurrence during sync.
type EventKind string

const (
	EventDeadLettered        EventKind = "dead_lettered"
	EventConflictResolved    EventKind = "conflict_resolved"
	EventOrphanedLocalChange EventKind = "orphaned_local_change"
	EventSessionInvalid      EventKind = "session_invalid"
)

// Event is delivered to hosts on the engine's event stream.
type Event struct {
	Kind        EventKind `json:"kind"`
	RunID       string    `json:"run_id,omitempty"`
	OperationID string    `json:"operation_id,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Winner      string    `json:"winner,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}
