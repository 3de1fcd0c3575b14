package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hyperengineering/tether/internal/audit"
	"github.com/hyperengineering/tether/internal/store"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// auditBatchSize bounds how many audit rows go into one archived object.
const auditBatchSize = 500

// AuditSource reads the conflict audit log and tracks the export cursor.
type AuditSource interface {
	ListConflictAudit(ctx context.Context, afterID int64, limit int) ([]types.ConflictAudit, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// AuditCoordinator periodically exports new conflict audit rows.
type AuditCoordinator struct {
	source   AuditSource
	archiver audit.Archiver
	interval time.Duration
}

// NewAuditCoordinator creates a coordinator. Run returns immediately when
// the archiver is not enabled.
func NewAuditCoordinator(source AuditSource, archiver audit.Archiver, interval time.Duration) *AuditCoordinator {
	return &AuditCoordinator{source: source, archiver: archiver, interval: interval}
}

// Run exports on start and then every interval until ctx is cancelled.
func (c *AuditCoordinator) Run(ctx context.Context) {
	if c.archiver == nil || !c.archiver.Enabled() || c.interval <= 0 {
		return
	}

	slog.Info("worker started",
		"component", "worker",
		"worker", "audit-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.exportPending(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "audit-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.exportPending(ctx)
		}
	}
}

// exportPending archives every row after the stored cursor, one batch at a
// time. The cursor only advances after a batch is uploaded.
func (c *AuditCoordinator) exportPending(ctx context.Context) int {
	cursor, err := c.cursor(ctx)
	if err != nil {
		slog.Warn("failed to read audit cursor",
			"component", "worker",
			"worker", "audit-coordinator",
			"action", "export_failed",
			"error", err,
		)
		return 0
	}

	exported := 0
	for ctx.Err() == nil {
		rows, err := c.source.ListConflictAudit(ctx, cursor, auditBatchSize)
		if err != nil {
			slog.Warn("failed to list audit rows",
				"component", "worker",
				"worker", "audit-coordinator",
				"action", "export_failed",
				"error", err,
			)
			return exported
		}
		if len(rows) == 0 {
			break
		}

		if _, err := c.archiver.Archive(ctx, rows); err != nil {
			if ctx.Err() == nil {
				slog.Warn("audit export failed",
					"component", "worker",
					"worker", "audit-coordinator",
					"action", "export_failed",
					"after_id", cursor,
					"error", err,
				)
			}
			return exported
		}

		cursor = rows[len(rows)-1].ID
		if err := c.source.SetSyncMeta(ctx, tethersync.MetaAuditCursor, strconv.FormatInt(cursor, 10)); err != nil {
			slog.Warn("failed to store audit cursor",
				"component", "worker",
				"worker", "audit-coordinator",
				"action", "export_failed",
				"error", err,
			)
			return exported
		}
		exported += len(rows)

		if len(rows) < auditBatchSize {
			break
		}
	}

	if exported > 0 {
		slog.Info("audit export completed",
			"component", "worker",
			"worker", "audit-coordinator",
			"action", "export_complete",
			"records", exported,
			"cursor", cursor,
		)
	}
	return exported
}

func (c *AuditCoordinator) cursor(ctx context.Context) (int64, error) {
	v, err := c.source.GetSyncMeta(ctx, tethersync.MetaAuditCursor)
	if errors.Is(err, store.ErrNotFound) || (err == nil && v == "") {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}
