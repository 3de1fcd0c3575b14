package store

import (
	"context"
	"iter"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// EntityPredicate filters entities during a query. A nil predicate matches
// everything.
type EntityPredicate func(types.Entity) bool

// EntityStore is the durable local mirror of remote entities.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	PutEntity(ctx context.Context, e types.Entity) error
	DeleteEntity(ctx context.Context, id string) error
	QueryEntities(ctx context.Context, kind string, pred EntityPredicate) iter.Seq2[types.Entity, error]
	WithTx(ctx context.Context, fn func(tx *Tx) error) error
}

// QueueStore persists pending operations and dead letters. All mutations
// are atomic.
type QueueStore interface {
	// InsertOperation stores op, and local when non-nil, in one transaction.
	// It returns ErrCapacity without writing anything when the queue already
	// holds capacity operations. A capacity of zero means unbounded.
	InsertOperation(ctx context.Context, op *types.PendingOperation, local *types.Entity, capacity int) error
	NextOperations(ctx context.Context, now time.Time, after *Cursor, limit int) ([]types.PendingOperation, error)
	GetOperation(ctx context.Context, id string) (*types.PendingOperation, error)
	ListOperations(ctx context.Context) ([]types.PendingOperation, error)
	CountOperations(ctx context.Context) (int, error)
	CountOperationsForEntity(ctx context.Context, entityID string) (int, error)
	CompleteOperation(ctx context.Context, id string, at time.Time) error
	// FailOperation counts a failed attempt and applies decide's outcome
	// in the same transaction that read the attempt count.
	FailOperation(ctx context.Context, id string, at time.Time, decide func(op types.PendingOperation) FailureOutcome) (*types.PendingOperation, FailureOutcome, error)
	ClearOperations(ctx context.Context) (int64, error)

	ListDeadLetters(ctx context.Context) ([]types.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*types.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string, capacity int) (*types.PendingOperation, error)
}

// FailureOutcome is what happens to an operation after a failed attempt.
type FailureOutcome struct {
	LastError string
	// NextRetryAt delays the next attempt. Nil makes it eligible at once.
	NextRetryAt *time.Time
	// DeadLetterReason, when set, moves the operation to dead-letter.
	DeadLetterReason string
}

// AuditStore records applied conflict resolutions and small sync metadata.
type AuditStore interface {
	ApplyResolution(ctx context.Context, expected *types.Entity, resolved types.Entity, audit types.ConflictAudit) (bool, error)
	RecordConflict(ctx context.Context, audit types.ConflictAudit) (int64, error)
	ListConflictAudit(ctx context.Context, afterID int64, limit int) ([]types.ConflictAudit, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// Store is the complete local persistence contract.
type Store interface {
	EntityStore
	QueueStore
	AuditStore
	CheckIntegrity(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}

// Cursor is a keyset position in drain order.
type Cursor struct {
	Priority  int
	CreatedAt time.Time
	Sequence  int64
}

// CursorOf returns the drain-order position of op.
func CursorOf(op types.PendingOperation) *Cursor {
	return &Cursor{Priority: op.Priority, CreatedAt: op.CreatedAt, Sequence: op.Sequence}
}
