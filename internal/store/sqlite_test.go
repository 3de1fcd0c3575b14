package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tether.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntity(id, kind, title string) types.Entity {
	return types.Entity{
		ID:   id,
		Kind: kind,
		Fields: map[string]json.RawMessage{
			"title": json.RawMessage(`"` + title + `"`),
		},
	}
}

func TestStore_MemoryDatabase(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.PutEntity(ctx, testEntity("a", "task", "x")); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}
	if _, err := s.GetEntity(ctx, "a"); err != nil {
		t.Fatalf("GetEntity on :memory: store: %v", err)
	}
}

func TestStore_PutGetEntity_RoundTripsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local := time.Date(2026, 4, 1, 9, 30, 0, 123456789, time.UTC)
	e := testEntity("task-1", "task", "water plants")
	e.LocalVersionAt = local
	e.ServerUpdatedAt = local.Add(-time.Hour)

	if err := s.PutEntity(ctx, e); err != nil {
		t.Fatalf("PutEntity: %v", err)
	}

	got, err := s.GetEntity(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if !got.SameContent(e) {
		t.Errorf("content mismatch: %+v", got.Fields)
	}
	if !got.LocalVersionAt.Equal(local) {
		t.Errorf("LocalVersionAt = %v, want %v", got.LocalVersionAt, local)
	}
	if !got.SyncedAt.IsZero() {
		t.Errorf("SyncedAt = %v, want zero", got.SyncedAt)
	}
	if !got.ServerUpdatedAt.Equal(e.ServerUpdatedAt) {
		t.Errorf("ServerUpdatedAt = %v, want %v", got.ServerUpdatedAt, e.ServerUpdatedAt)
	}
}

func TestStore_PutEntity_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutEntity(ctx, testEntity("p-1", "profile", "v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEntity(ctx, testEntity("p-1", "profile", "v2")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEntity(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Fields["title"]) != `"v2"` {
		t.Errorf("title = %s, want \"v2\"", got.Fields["title"])
	}
}

func TestStore_GetEntity_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetEntity(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutEntity(ctx, testEntity("t", "task", "x")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteEntity(ctx, "t"); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if _, err := s.GetEntity(ctx, "t"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteEntity(ctx, "t"); err != nil {
		t.Errorf("deleting a missing entity should succeed, got %v", err)
	}
}

func TestStore_QueryEntities_FiltersAndPages(t *testing.T) {
	// Given: more entities than a single page, across two kinds
	s := newTestStore(t)
	ctx := context.Background()

	total := entityPageSize + 10
	for i := 0; i < total; i++ {
		kind := "task"
		if i%2 == 1 {
			kind = "photo"
		}
		id := time.Duration(i).String() // unique, stable
		if err := s.PutEntity(ctx, testEntity("e-"+id, kind, id)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		kind string
		pred EntityPredicate
		want int
	}{
		{"all kinds", "", nil, total},
		{"single kind", "task", nil, (total + 1) / 2},
		{"predicate", "", func(e types.Entity) bool { return e.Kind == "photo" }, total / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := 0
			prev := ""
			for e, err := range s.QueryEntities(ctx, tt.kind, tt.pred) {
				if err != nil {
					t.Fatalf("QueryEntities: %v", err)
				}
				if e.ID <= prev {
					t.Fatalf("ids out of order: %q after %q", e.ID, prev)
				}
				prev = e.ID
				count++
			}
			if count != tt.want {
				t.Errorf("got %d entities, want %d", count, tt.want)
			}
		})
	}
}

func TestStore_QueryEntities_StopsEarly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.PutEntity(ctx, testEntity(id, "task", id)); err != nil {
			t.Fatal(err)
		}
	}

	seen := 0
	for range s.QueryEntities(ctx, "task", nil) {
		seen++
		break
	}
	if seen != 1 {
		t.Errorf("seen = %d, want 1", seen)
	}
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.PutEntity(ctx, testEntity("x", "task", "x")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}
	if _, err := s.GetEntity(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entity persisted despite rollback: %v", err)
	}
}

func TestStore_WithTx_Commits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.PutEntity(ctx, testEntity("x", "task", "x")); err != nil {
			return err
		}
		got, err := tx.GetEntity(ctx, "x")
		if err != nil {
			return err
		}
		if got.Kind != "task" {
			t.Errorf("read-your-write kind = %q", got.Kind)
		}
		return tx.DeleteEntity(ctx, "missing")
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if _, err := s.GetEntity(ctx, "x"); err != nil {
		t.Errorf("committed entity missing: %v", err)
	}
}

func TestStore_CheckIntegrity(t *testing.T) {
	s := newTestStore(t)
	if err := s.CheckIntegrity(context.Background()); err != nil {
		t.Errorf("CheckIntegrity on fresh store: %v", err)
	}
}

func TestNewSQLiteStore_GarbageFileIsCorrupt(t *testing.T) {
	// Given: a file that is not a SQLite database
	path := filepath.Join(t.TempDir(), "tether.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i*7 + 3)
	}
	if err := os.WriteFile(path, garbage, 0600); err != nil {
		t.Fatal(err)
	}

	// When: the store is opened
	_, err := NewSQLiteStore(path)

	// Then: the failure is reported as corruption
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestStore_Reset_KeepsDeadLettersAndAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.InsertOperation(ctx, testOp("op-1", "e-1", now), nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertOperation(ctx, testOp("op-2", "e-2", now), nil, 0); err != nil {
		t.Fatal(err)
	}
	failOp(t, s, "op-2", now, FailureOutcome{LastError: "bad request", DeadLetterReason: "client error"})
	if err := s.PutEntity(ctx, testEntity("e-1", "task", "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordConflict(ctx, types.ConflictAudit{
		DataConflict: types.DataConflict{EntityID: "e-1", Kind: "task", Policy: "server_wins"},
		Winner:       "remote",
		ResolvedAt:   now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if n, _ := s.CountOperations(ctx); n != 0 {
		t.Errorf("pending after reset = %d", n)
	}
	if _, err := s.GetEntity(ctx, "e-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("entity survived reset: %v", err)
	}
	if dls, _ := s.ListDeadLetters(ctx); len(dls) != 1 {
		t.Errorf("dead letters after reset = %d, want 1", len(dls))
	}
	if recs, _ := s.ListConflictAudit(ctx, 0, 10); len(recs) != 1 {
		t.Errorf("audit records after reset = %d, want 1", len(recs))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg     string
		corrupt bool
	}{
		{"database disk image is malformed", true},
		{"file is not a database", true},
		{"UNIQUE constraint failed", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := classify(errors.New(tt.msg))
			if got := errors.Is(err, ErrCorrupt); got != tt.corrupt {
				t.Errorf("errors.Is(ErrCorrupt) = %v, want %v", got, tt.corrupt)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) must be nil")
	}
}
