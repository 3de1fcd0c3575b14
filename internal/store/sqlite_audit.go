package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/tether/internal/types"
)

// ErrStale is returned by ApplyResolution when the local entity changed
// after the conflict was detected.
var ErrStale = errors.New("local entity changed since conflict detection")

// ApplyResolution writes resolved and its audit record in one transaction,
// but only if the stored entity still matches expected (nil meaning absent)
// by local version. A tombstone in resolved deletes the local row. It
// reports false, writing nothing, when the entity moved on.
func (s *SQLiteStore) ApplyResolution(ctx context.Context, expected *types.Entity, resolved types.Entity, audit types.ConflictAudit) (bool, error) {
	err := s.WithTx(ctx, func(tx *Tx) error {
		current, err := tx.GetEntity(ctx, resolved.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			current = nil
		case err != nil:
			return err
		}

		if !sameVersion(expected, current) {
			return ErrStale
		}

		if resolved.Deleted {
			if err := tx.DeleteEntity(ctx, resolved.ID); err != nil {
				return err
			}
		} else if err := tx.PutEntity(ctx, resolved); err != nil {
			return err
		}

		_, err = insertConflictAudit(ctx, tx.tx, audit)
		return err
	})
	if errors.Is(err, ErrStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func sameVersion(expected, current *types.Entity) bool {
	if expected == nil || current == nil {
		return expected == nil && current == nil
	}
	return expected.LocalVersionAt.Equal(current.LocalVersionAt)
}

// RecordConflict appends an audit record and returns its ID.
func (s *SQLiteStore) RecordConflict(ctx context.Context, audit types.ConflictAudit) (int64, error) {
	id, err := insertConflictAudit(ctx, s.db, audit)
	return id, classify(err)
}

func insertConflictAudit(ctx context.Context, q execContext, a types.ConflictAudit) (int64, error) {
	local, err := json.Marshal(a.Local)
	if err != nil {
		return 0, fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(a.Remote)
	if err != nil {
		return 0, fmt.Errorf("marshal remote snapshot: %w", err)
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO conflict_audit (entity_id, kind, policy, winner, local_snapshot, remote_snapshot, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.EntityID, a.Kind, a.Policy, a.Winner, string(local), string(remote), formatTime(a.ResolvedAt))
	if err != nil {
		return 0, fmt.Errorf("insert conflict audit: %w", err)
	}
	return result.LastInsertId()
}

// ListConflictAudit returns audit records with ID > afterID, up to limit.
func (s *SQLiteStore) ListConflictAudit(ctx context.Context, afterID int64, limit int) ([]types.ConflictAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, kind, policy, winner, local_snapshot, remote_snapshot, resolved_at
		FROM conflict_audit
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("query conflict audit: %w", err))
	}
	defer rows.Close()

	records := make([]types.ConflictAudit, 0)
	for rows.Next() {
		var a types.ConflictAudit
		var local, remote sql.NullString
		var resolvedAt string
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Kind, &a.Policy, &a.Winner, &local, &remote, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict audit: %w", err)
		}
		if local.Valid {
			if err := json.Unmarshal([]byte(local.String), &a.Local); err != nil {
				return nil, fmt.Errorf("parse local snapshot: %w", err)
			}
		}
		if remote.Valid {
			if err := json.Unmarshal([]byte(remote.String), &a.Remote); err != nil {
				return nil, fmt.Errorf("parse remote snapshot: %w", err)
			}
		}
		a.ResolvedAt = parseTime(sql.NullString{String: resolvedAt, Valid: true}, "resolved_at")
		records = append(records, a)
	}
	return records, rows.Err()
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", classify(fmt.Errorf("get sync meta: %w", err))
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return classify(fmt.Errorf("set sync meta: %w", err))
	}
	return nil
}
