package sync

import (
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// Snapshot is the remote's response to GET /api/v1/entities/{kind}.
type Snapshot struct {
	Kind        string         `json:"kind"`
	Entities    []types.Entity `json:"entities"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Sync metadata keys kept in the local store.
const (
	MetaLastPullAt  = "last_pull_at"
	MetaAuditCursor = "audit_cursor"
)
