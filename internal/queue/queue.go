// Package queue is the durable, ordered, priority-aware store of mutations
// not yet confirmed by the remote authority.
package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/types"
	"github.com/oklog/ulid/v2"
)

// pageSize is how many operations Pending reads from the store at a time.
const pageSize = 32

// Reason strings recorded on dead letters.
const (
	ReasonMaxAttempts = "max attempts exceeded"
	ReasonRejected    = "rejected by remote"
	ReasonSuperseded  = "superseded by server state"
)

// Config bounds the queue and shapes its retry schedule.
type Config struct {
	MaxSize        int
	MaxAttempts    int
	BaseBackoff    time.Duration
	BackoffCeiling time.Duration
}

// DefaultConfig returns the stock queue limits.
func DefaultConfig() Config {
	return Config{
		MaxSize:        100,
		MaxAttempts:    3,
		BaseBackoff:    2 * time.Second,
		BackoffCeiling: 300 * time.Second,
	}
}

// Queue fronts a store.QueueStore with retry bookkeeping.
type Queue struct {
	store store.QueueStore
	cfg   Config
	now   func() time.Time
}

// New creates a Queue over s. Zero fields in cfg take their defaults.
func New(s store.QueueStore, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = def.BackoffCeiling
	}
	return &Queue{store: s, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the queue's time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// NewOperation builds an operation with a fresh ID and the queue's attempt
// budget. The caller fills in priority and related entity as needed.
func (q *Queue) NewOperation(kind types.OperationKind, method, endpoint string, payload []byte) types.PendingOperation {
	return types.PendingOperation{
		ID:          ulid.Make().String(),
		Kind:        kind,
		Endpoint:    endpoint,
		Method:      method,
		Payload:     payload,
		MaxAttempts: q.cfg.MaxAttempts,
	}
}

// Enqueue durably appends op. It returns ErrQueueFull when the queue is at
// capacity.
func (q *Queue) Enqueue(ctx context.Context, op types.PendingOperation) (types.PendingOperation, error) {
	return q.enqueue(ctx, op, nil)
}

// EnqueueApply appends op and writes entity as its local effect in the
// same transaction. The entity's LocalVersionAt is set to the enqueue time.
func (q *Queue) EnqueueApply(ctx context.Context, op types.PendingOperation, entity types.Entity) (types.PendingOperation, error) {
	return q.enqueue(ctx, op, &entity)
}

func (q *Queue) enqueue(ctx context.Context, op types.PendingOperation, local *types.Entity) (types.PendingOperation, error) {
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	if !op.Kind.Valid() {
		return op, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.cfg.MaxAttempts
	}
	now := q.now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.AttemptCount = 0
	op.LastAttemptAt = nil
	op.NextRetryAt = nil
	op.LastError = ""

	if local != nil {
		local.LocalVersionAt = now
		if op.RelatedEntityID == "" {
			op.RelatedEntityID = local.ID
		}
	}

	err := q.store.InsertOperation(ctx, &op, local, q.cfg.MaxSize)
	if errors.Is(err, store.ErrCapacity) {
		slog.Warn("queue full, mutation rejected",
			"component", "queue",
			"kind", op.Kind,
			"max_size", q.cfg.MaxSize,
		)
		return op, ErrQueueFull
	}
	if err != nil {
		return op, fmt.Errorf("enqueue: %w", err)
	}

	slog.Debug("operation enqueued",
		"component", "queue",
		"action", "enqueue",
		"id", op.ID,
		"kind", op.Kind,
		"entity_id", op.RelatedEntityID,
	)
	return op, nil
}

// Pending yields eligible operations in drain order. The sequence is
// finite and restartable; each iteration reads the store afresh, so an
// entry completed mid-iteration can unblock later entries of its entity
// on the next pass.
func (q *Queue) Pending(ctx context.Context) iter.Seq2[types.PendingOperation, error] {
	return func(yield func(types.PendingOperation, error) bool) {
		now := q.now()
		var cursor *store.Cursor
		for {
			page, err := q.store.NextOperations(ctx, now, cursor, pageSize)
			if err != nil {
				yield(types.PendingOperation{}, err)
				return
			}
			for _, op := range page {
				if !yield(op, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			cursor = store.CursorOf(page[len(page)-1])
		}
	}
}

// MarkSuccess removes a confirmed operation.
func (q *Queue) MarkSuccess(ctx context.Context, id string) error {
	if err := q.store.CompleteOperation(ctx, id, q.now()); err != nil {
		return mapNotFound(err)
	}
	return nil
}

// MarkFailure records a failed attempt. Once the attempt budget is spent the
// operation moves to dead-letter and GiveUp is returned; otherwise the next
// retry time follows exponential backoff.
func (q *Queue) MarkFailure(ctx context.Context, id string, cause error) (types.RetryDecision, error) {
	now := q.now()
	msg := errorText(cause)
	return q.fail(ctx, id, now, func(op types.PendingOperation) store.FailureOutcome {
		if op.AttemptCount >= op.MaxAttempts {
			return store.FailureOutcome{LastError: msg, DeadLetterReason: ReasonMaxAttempts}
		}
		next := now.Add(Backoff(q.cfg.BaseBackoff, q.cfg.BackoffCeiling, op.AttemptCount))
		return store.FailureOutcome{LastError: msg, NextRetryAt: &next}
	})
}

// Requeue records an attempt that should be retried immediately, such as
// after a conflict resolved in favor of the local change. It counts
// against the attempt budget and dead-letters the operation when spent.
func (q *Queue) Requeue(ctx context.Context, id string, cause error) (types.RetryDecision, error) {
	now := q.now()
	msg := errorText(cause)
	return q.fail(ctx, id, now, func(op types.PendingOperation) store.FailureOutcome {
		if op.AttemptCount >= op.MaxAttempts {
			return store.FailureOutcome{LastError: msg, DeadLetterReason: ReasonMaxAttempts}
		}
		return store.FailureOutcome{LastError: msg}
	})
}

// DeadLetter moves an operation straight to dead-letter without further
// retries.
func (q *Queue) DeadLetter(ctx context.Context, id string, cause error, reason string) error {
	if reason == "" {
		reason = ReasonRejected
	}
	msg := errorText(cause)
	_, err := q.fail(ctx, id, q.now(), func(types.PendingOperation) store.FailureOutcome {
		return store.FailureOutcome{LastError: msg, DeadLetterReason: reason}
	})
	return err
}

// fail counts one attempt on id and applies decide's outcome atomically.
func (q *Queue) fail(ctx context.Context, id string, now time.Time, decide func(types.PendingOperation) store.FailureOutcome) (types.RetryDecision, error) {
	op, out, err := q.store.FailOperation(ctx, id, now, decide)
	if err != nil {
		return types.RetryDecision{}, mapNotFound(err)
	}
	if out.DeadLetterReason != "" {
		slog.Warn("operation dead-lettered",
			"component", "queue",
			"action", "dead_letter",
			"id", id,
			"kind", op.Kind,
			"attempts", op.AttemptCount,
			"reason", out.DeadLetterReason,
			"error", out.LastError,
		)
		return types.GiveUp(), nil
	}
	if out.NextRetryAt == nil {
		return types.RetryAt(now), nil
	}
	return types.RetryAt(*out.NextRetryAt), nil
}

// Clear deletes every queued operation and returns how many were removed.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	n, err := q.store.ClearOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	slog.Info("queue cleared",
		"component", "queue",
		"action", "clear",
		"removed", n,
	)
	return n, nil
}

// Len returns the number of queued operations, eligible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountOperations(ctx)
}

// Get returns a queued operation by ID.
func (q *Queue) Get(ctx context.Context, id string) (*types.PendingOperation, error) {
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return op, nil
}

// List returns every queued operation in drain order.
func (q *Queue) List(ctx context.Context) ([]types.PendingOperation, error) {
	return q.store.ListOperations(ctx)
}

// HasPending reports whether any operation for entityID is still queued.
func (q *Queue) HasPending(ctx context.Context, entityID string) (bool, error) {
	n, err := q.store.CountOperationsForEntity(ctx, entityID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeadLetters returns every dead-lettered operation.
func (q *Queue) DeadLetters(ctx context.Context) ([]types.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx)
}

// RequeueDeadLetter returns a dead letter to the queue with a fresh attempt
// budget.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) (*types.PendingOperation, error) {
	op, err := q.store.RequeueDeadLetter(ctx, id, q.cfg.MaxSize)
	if errors.Is(err, store.ErrCapacity) {
		return nil, ErrQueueFull
	}
	if err != nil {
		return nil, mapNotFound(err)
	}
	slog.Info("dead letter requeued",
		"component", "queue",
		"action", "requeue",
		"id", id,
	)
	return op, nil
}

// Backoff returns base * 2^attempts capped at ceiling.
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		if d >= ceiling || d > ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func mapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
