package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

const operationColumns = `seq, id, kind, endpoint, method, payload, related_entity_id, priority,
	created_at, attempt_count, max_attempts, last_error, last_attempt_at, next_retry_at`

const drainOrder = `ORDER BY priority DESC, created_at ASC, seq ASC`

// InsertOperation appends op to the queue. The capacity check and insert are
// a single statement so concurrent enqueues cannot overshoot the bound.
func (s *SQLiteStore) InsertOperation(ctx context.Context, op *types.PendingOperation, local *types.Entity, capacity int) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		result, err := tx.tx.ExecContext(ctx, `
			INSERT INTO pending_operations (
				id, kind, endpoint, method, payload, related_entity_id, priority,
				created_at, attempt_count, max_attempts, last_error, last_attempt_at, next_retry_at
			)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE ? <= 0 OR (SELECT COUNT(*) FROM pending_operations) < ?
		`, op.ID, string(op.Kind), op.Endpoint, op.Method, op.Payload, nullableString(op.RelatedEntityID),
			op.Priority, formatTime(op.CreatedAt), op.AttemptCount, op.MaxAttempts,
			nullableString(op.LastError), formatTimePtr(op.LastAttemptAt), formatTimePtr(op.NextRetryAt),
			capacity, capacity)
		if err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
		if n == 0 {
			return ErrCapacity
		}
		if op.Sequence, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}

		if local != nil {
			if err := tx.PutEntity(ctx, *local); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextOperations returns up to limit eligible operations in drain order,
// strictly after the cursor when one is given. An operation is eligible
// when its retry time has passed and no earlier operation on the same
// entity is still queued.
func (s *SQLiteStore) NextOperations(ctx context.Context, now time.Time, after *Cursor, limit int) ([]types.PendingOperation, error) {
	var (
		useCursor bool
		cPriority int
		cCreated  string
		cSeq      int64
	)
	if after != nil {
		useCursor = true
		cPriority = after.Priority
		cCreated = after.CreatedAt.UTC().Format(timeLayout)
		cSeq = after.Sequence
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM pending_operations p
		WHERE (p.next_retry_at IS NULL OR p.next_retry_at <= ?)
		  AND (p.related_entity_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM pending_operations e
			WHERE e.related_entity_id = p.related_entity_id AND e.seq < p.seq
		  ))
		  AND (? = 0
			OR p.priority < ?
			OR (p.priority = ? AND (p.created_at > ? OR (p.created_at = ? AND p.seq > ?))))
		`+drainOrder+`
		LIMIT ?
	`, now.UTC().Format(timeLayout), boolToInt(useCursor), cPriority, cPriority, cCreated, cCreated, cSeq, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("query pending operations: %w", err))
	}
	return collectOperations(rows)
}

// GetOperation retrieves a pending operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*types.PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get operation: %w", err))
	}
	return op, nil
}

// ListOperations returns every pending operation in drain order, eligible
// or not.
func (s *SQLiteStore) ListOperations(ctx context.Context) ([]types.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM pending_operations `+drainOrder)
	if err != nil {
		return nil, classify(fmt.Errorf("list operations: %w", err))
	}
	return collectOperations(rows)
}

// CountOperations returns the number of pending operations.
func (s *SQLiteStore) CountOperations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count operations: %w", err))
	}
	return n, nil
}

// CountOperationsForEntity returns the number of pending operations that
// touch entityID.
func (s *SQLiteStore) CountOperationsForEntity(ctx context.Context, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE related_entity_id = ?`, entityID).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count entity operations: %w", err))
	}
	return n, nil
}

// CompleteOperation removes a delivered operation. When it was the last
// queued operation for its entity, the entity is stamped as synced at at.
func (s *SQLiteStore) CompleteOperation(ctx context.Context, id string, at time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var related sql.NullString
		err := tx.tx.QueryRowContext(ctx,
			`SELECT related_entity_id FROM pending_operations WHERE id = ?`, id).Scan(&related)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operation %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete operation: %w", err)
		}

		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("complete operation: %w", err)
		}

		if !related.Valid {
			return nil
		}
		_, err = tx.tx.ExecContext(ctx, `
			UPDATE entities SET synced_at = ?
			WHERE id = ? AND NOT EXISTS (
				SELECT 1 FROM pending_operations WHERE related_entity_id = ?
			)
		`, formatTime(at), related.String, related.String)
		if err != nil {
			return fmt.Errorf("stamp entity synced: %w", err)
		}
		return nil
	})
}

// FailOperation counts one failed attempt on id and applies the outcome
// decide picks for it, in a single transaction. decide sees the operation
// with the attempt already counted. The updated operation is returned.
func (s *SQLiteStore) FailOperation(ctx context.Context, id string, at time.Time, decide func(op types.PendingOperation) FailureOutcome) (*types.PendingOperation, FailureOutcome, error) {
	var (
		op  *types.PendingOperation
		out FailureOutcome
	)
	err := s.WithTx(ctx, func(tx *Tx) error {
		row := tx.tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)
		got, err := scanOperation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operation %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("fail operation: %w", err)
		}

		got.AttemptCount++
		got.LastAttemptAt = &at
		out = decide(*got)
		got.LastError = out.LastError
		op = got

		if out.DeadLetterReason != "" {
			got.NextRetryAt = nil
			return deadLetter(ctx, tx.tx, id, out.LastError, out.DeadLetterReason, at)
		}

		got.NextRetryAt = out.NextRetryAt
		result, err := tx.tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET attempt_count = attempt_count + 1, last_error = ?, last_attempt_at = ?, next_retry_at = ?
			WHERE id = ?
		`, nullableString(out.LastError), formatTime(at), formatTimePtr(out.NextRetryAt), id)
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		return requireAffected(result, "operation", id)
	})
	if err != nil {
		return nil, FailureOutcome{}, err
	}
	return op, out, nil
}

// deadLetter moves a pending operation, whose attempt count is already
// final, to the dead-letter table.
func deadLetter(ctx context.Context, db execContext, id, lastErr, reason string, at time.Time) error {
	result, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letters (
			id, seq, kind, endpoint, method, payload, related_entity_id, priority,
			created_at, attempt_count, max_attempts, last_error, last_attempt_at,
			dead_lettered_at, reason
		)
		SELECT id, seq, kind, endpoint, method, payload, related_entity_id, priority,
			created_at, attempt_count + 1, max_attempts, ?, ?, ?, ?
		FROM pending_operations WHERE id = ?
	`, nullableString(lastErr), formatTime(at), formatTime(at), reason, id)
	if err != nil {
		return fmt.Errorf("dead-letter operation: %w", err)
	}
	if err := requireAffected(result, "operation", id); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dead-letter operation: %w", err)
	}
	return nil
}

// ClearOperations deletes every pending operation and returns how many were
// removed.
func (s *SQLiteStore) ClearOperations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations`)
	if err != nil {
		return 0, classify(fmt.Errorf("clear operations: %w", err))
	}
	return result.RowsAffected()
}

const deadLetterColumns = `seq, id, kind, endpoint, method, payload, related_entity_id, priority,
	created_at, attempt_count, max_attempts, last_error, last_attempt_at, dead_lettered_at, reason`

// ListDeadLetters returns dead letters oldest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]types.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY dead_lettered_at ASC, seq ASC`)
	if err != nil {
		return nil, classify(fmt.Errorf("list dead letters: %w", err))
	}
	defer rows.Close()

	letters := make([]types.DeadLetter, 0)
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, *dl)
	}
	return letters, rows.Err()
}

// GetDeadLetter retrieves a dead letter by operation ID.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, id string) (*types.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get dead letter: %w", err))
	}
	return dl, nil
}

// RequeueDeadLetter moves a dead letter back into the pending queue with a
// fresh attempt budget. It keeps its ID and creation time but takes a new
// sequence, so it runs after anything already queued for its entity.
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, id string, capacity int) (*types.PendingOperation, error) {
	err := s.WithTx(ctx, func(tx *Tx) error {
		var exists int
		err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("requeue dead letter: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("dead letter %q: %w", id, ErrNotFound)
		}

		result, err := tx.tx.ExecContext(ctx, `
			INSERT INTO pending_operations (
				id, kind, endpoint, method, payload, related_entity_id, priority,
				created_at, attempt_count, max_attempts
			)
			SELECT id, kind, endpoint, method, payload, related_entity_id, priority,
				created_at, 0, max_attempts
			FROM dead_letters
			WHERE id = ? AND (? <= 0 OR (SELECT COUNT(*) FROM pending_operations) < ?)
		`, id, capacity, capacity)
		if err != nil {
			return fmt.Errorf("requeue dead letter: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("requeue dead letter: %w", err)
		} else if n == 0 {
			return ErrCapacity
		}

		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
			return fmt.Errorf("requeue dead letter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetOperation(ctx, id)
}

func collectOperations(rows *sql.Rows) ([]types.PendingOperation, error) {
	defer rows.Close()

	ops := make([]types.PendingOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func scanOperation(scanner interface{ Scan(...any) error }) (*types.PendingOperation, error) {
	var op types.PendingOperation
	var kind, createdAt string
	var related, lastErr, lastAttempt, nextRetry sql.NullString

	err := scanner.Scan(
		&op.Sequence, &op.ID, &kind, &op.Endpoint, &op.Method, &op.Payload, &related, &op.Priority,
		&createdAt, &op.AttemptCount, &op.MaxAttempts, &lastErr, &lastAttempt, &nextRetry,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = types.OperationKind(kind)
	op.RelatedEntityID = related.String
	op.LastError = lastErr.String
	op.CreatedAt = parseTime(sql.NullString{String: createdAt, Valid: true}, "created_at")
	op.LastAttemptAt = parseTimePtr(lastAttempt, "last_attempt_at")
	op.NextRetryAt = parseTimePtr(nextRetry, "next_retry_at")
	return &op, nil
}

func scanDeadLetter(scanner interface{ Scan(...any) error }) (*types.DeadLetter, error) {
	var dl types.DeadLetter
	var kind, createdAt, deadAt string
	var related, lastErr, lastAttempt sql.NullString

	err := scanner.Scan(
		&dl.Sequence, &dl.ID, &kind, &dl.Endpoint, &dl.Method, &dl.Payload, &related, &dl.Priority,
		&createdAt, &dl.AttemptCount, &dl.MaxAttempts, &lastErr, &lastAttempt, &deadAt, &dl.Reason,
	)
	if err != nil {
		return nil, err
	}

	dl.Kind = types.OperationKind(kind)
	dl.RelatedEntityID = related.String
	dl.LastError = lastErr.String
	dl.CreatedAt = parseTime(sql.NullString{String: createdAt, Valid: true}, "created_at")
	dl.LastAttemptAt = parseTimePtr(lastAttempt, "last_attempt_at")
	dl.DeadLetteredAt = parseTime(sql.NullString{String: deadAt, Valid: true}, "dead_lettered_at")
	return &dl, nil
}

func requireAffected(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
	}
	return nil
}

// nullableString stores empty strings as NULL.
func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
