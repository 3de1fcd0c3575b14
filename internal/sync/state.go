// Package sync holds the observable sync state, host events and the wire
// shapes exchanged with the remote authority.
package sync

import (
	"fmt"
	"slices"

	"github.com/hyperengineering/tether/internal/types"
)

// StateKind is the discriminator of State.
type StateKind string

const (
	StateIdle             StateKind = "idle"
	StateSyncing          StateKind = "syncing"
	StateOffline          StateKind = "offline"
	StateError            StateKind = "error"
	StateConflictsPending StateKind = "conflicts_pending"
)

// State is the coordinator's published status. Only the fields belonging to
// Kind are set.
type State struct {
	Kind StateKind `json:"kind"`

	// Syncing
	Progress         float64 `json:"progress,omitempty"`
	CurrentOperation string  `json:"current_operation,omitempty"`

	// Offline
	PendingCount int `json:"pending_count,omitempty"`

	// Error
	Message string `json:"message,omitempty"`

	// ConflictsPending
	Conflicts []types.DataConflict `json:"conflicts,omitempty"`
}

func Idle() State {
	return State{Kind: StateIdle}
}

// Syncing reports progress in [0, 1] and a description of the current step.
func Syncing(progress float64, current string) State {
	progress = min(max(progress, 0), 1)
	return State{Kind: StateSyncing, Progress: progress, CurrentOperation: current}
}

func Offline(pending int) State {
	return State{Kind: StateOffline, PendingCount: pending}
}

func Errored(message string) State {
	return State{Kind: StateError, Message: message}
}

func ConflictsPending(conflicts []types.DataConflict) State {
	return State{Kind: StateConflictsPending, Conflicts: conflicts}
}

// Equal reports whether two states would look the same to an observer.
func (s State) Equal(o State) bool {
	if s.Kind != o.Kind || s.Progress != o.Progress || s.CurrentOperation != o.CurrentOperation ||
		s.PendingCount != o.PendingCount || s.Message != o.Message {
		return false
	}
	return slices.EqualFunc(s.Conflicts, o.Conflicts, func(a, b types.DataConflict) bool {
		return a.EntityID == b.EntityID && a.Policy == b.Policy &&
			a.Local.SameContent(b.Local) && a.Remote.SameContent(b.Remote)
	})
}

func (s State) String() string {
	switch s.Kind {
	case StateSyncing:
		return fmt.Sprintf("syncing(%.0f%%, %s)", s.Progress*100, s.CurrentOperation)
	case StateOffline:
		return fmt.Sprintf("offline(%d pending)", s.PendingCount)
	case StateError:
		return "error(" + s.Message + ")"
	case StateConflictsPending:
		return fmt.Sprintf("conflicts_pending(%d)", len(s.Conflicts))
	default:
		return string(s.Kind)
	}
}
