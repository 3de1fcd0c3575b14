package types

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"
)

// OperationKind tags what a PendingOperation does. The set is closed; new
// behaviour is added by adding a constant here.
type OperationKind string

const (
	KindCompleteTask        OperationKind = "complete_task"
	KindUploadPhotoMetadata OperationKind = "upload_photo_metadata"
	KindUpdateProfile       OperationKind = "update_profile"
)

// OperationKinds lists every known kind in declaration order.
var OperationKinds = []OperationKind{
	KindCompleteTask,
	KindUploadPhotoMetadata,
	KindUpdateProfile,
}

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	for _, known := range OperationKinds {
		if k == known {
			return true
		}
	}
	return false
}

// PendingOperation is a durable record of one mutation not yet confirmed by
// the remote authority.
type PendingOperation struct {
	ID              string        `json:"id"`
	Kind            OperationKind `json:"kind"`
	Endpoint        string        `json:"endpoint"`
	Method          string        `json:"method"`
	Payload         []byte        `json:"payload,omitempty"`
	RelatedEntityID string        `json:"related_entity_id,omitempty"`
	Priority        int           `json:"priority"`
	CreatedAt       time.Time     `json:"created_at"`
	AttemptCount    int           `json:"attempt_count"`
	MaxAttempts     int           `json:"max_attempts"`
	LastError       string        `json:"last_error,omitempty"`
	LastAttemptAt   *time.Time    `json:"last_attempt_at,omitempty"`
	NextRetryAt     *time.Time    `json:"next_retry_at,omitempty"`

	// Sequence is the store-assigned enqueue order. It breaks created_at ties
	// and defines per-entity ordering.
	Sequence int64 `json:"sequence"`
}

// Eligible reports whether the operation may be attempted at now.
func (op *PendingOperation) Eligible(now time.Time) bool {
	return op.NextRetryAt == nil || !op.NextRetryAt.After(now)
}

// DeadLetter is a PendingOperation removed from active retry and kept for
// inspection.
type DeadLetter struct {
	PendingOperation
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
	Reason         string    `json:"reason"`
}

// RetryDecision is the outcome of recording a failed attempt.
type RetryDecision struct {
	GiveUp  bool      `json:"give_up"`
	RetryAt time.Time `json:"retry_at,omitempty"`
}

// GiveUp is the decision for an operation that moved to dead-letter.
func GiveUp() RetryDecision {
	return RetryDecision{GiveUp: true}
}

// RetryAt is the decision for an operation that becomes eligible again at t.
func RetryAt(t time.Time) RetryDecision {
	return RetryDecision{RetryAt: t}
}

// Mutation is a host request to change remote state. Entity, when set, is
// written to the local store in the same transaction as the queued
// operation so the change is visible before the remote confirms it.
type Mutation struct {
	Kind            OperationKind
	Method          string
	Endpoint        string
	Payload         []byte
	RelatedEntityID string
	Priority        int
	Entity          *Entity
}

// Entity is the local mirror of a remote-authoritative record. Concrete
// domain shapes live in Fields as raw JSON values keyed by field name.
type Entity struct {
	ID     string                     `json:"id"`
	Kind   string                     `json:"kind"`
	Fields map[string]json.RawMessage `json:"fields"`

	// Deleted marks a tombstone reported by the remote.
	Deleted bool `json:"deleted,omitempty"`

	// LocalVersionAt is the time of the last local mutation.
	LocalVersionAt time.Time `json:"local_version_at"`
	// SyncedAt is the last time the record was confirmed with the remote.
	SyncedAt time.Time `json:"synced_at"`
	// ServerUpdatedAt is the remote's own modification time.
	ServerUpdatedAt time.Time `json:"server_updated_at"`
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]json.RawMessage, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// SameContent reports whether e and other carry identical field values and
// tombstone state. Timestamps are ignored.
func (e Entity) SameContent(other Entity) bool {
	if e.Deleted != other.Deleted {
		return false
	}
	return maps.EqualFunc(e.Fields, other.Fields, func(a, b json.RawMessage) bool {
		return bytes.Equal(compactJSON(a), compactJSON(b))
	})
}

// Dirty reports whether the entity carries a local mutation not yet
// confirmed with the remote.
func (e Entity) Dirty() bool {
	return e.LocalVersionAt.After(e.SyncedAt)
}

func compactJSON(v json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

// InterfaceKind names the kind of network interface carrying connectivity.
type InterfaceKind string

const (
	InterfaceWiFi     InterfaceKind = "wifi"
	InterfaceCellular InterfaceKind = "cellular"
	InterfaceEthernet InterfaceKind = "ethernet"
	InterfaceOther    InterfaceKind = "other"
)

// ConnectivityState is either Connected over an interface or Disconnected.
type ConnectivityState struct {
	Connected bool          `json:"connected"`
	Interface InterfaceKind `json:"interface,omitempty"`
}

// Connected returns a connected state over the given interface.
func Connected(kind InterfaceKind) ConnectivityState {
	return ConnectivityState{Connected: true, Interface: kind}
}

// Disconnected returns the disconnected state.
func Disconnected() ConnectivityState {
	return ConnectivityState{}
}

func (s ConnectivityState) String() string {
	if !s.Connected {
		return "disconnected"
	}
	return "connected(" + string(s.Interface) + ")"
}

// DataConflict describes one divergent entity found during reconciliation.
// It lives only for the pass that produced it unless written to the audit log.
type DataConflict struct {
	EntityID string `json:"entity_id"`
	Kind     string `json:"kind"`
	Local    Entity `json:"local_snapshot"`
	Remote   Entity `json:"remote_snapshot"`
	Policy   string `json:"resolution_policy"`
}

// ConflictAudit is a persisted record of an applied resolution.
type ConflictAudit struct {
	ID int64 `json:"id"`
	DataConflict
	Winner     string    `json:"winner"`
	ResolvedAt time.Time `json:"resolved_at"`
}
