package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

func TestApplyResolution_WritesEntityAndAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	local := testEntity("t-1", "task", "local")
	local.LocalVersionAt = now
	if err := s.PutEntity(ctx, local); err != nil {
		t.Fatal(err)
	}
	remote := testEntity("t-1", "task", "remote")
	remote.SyncedAt = now.Add(time.Minute)

	applied, err := s.ApplyResolution(ctx, &local, remote, types.ConflictAudit{
		DataConflict: types.DataConflict{EntityID: "t-1", Kind: "task", Local: local, Remote: remote, Policy: "server_wins"},
		Winner:       "remote",
		ResolvedAt:   now,
	})
	if err != nil || !applied {
		t.Fatalf("ApplyResolution = %v, %v", applied, err)
	}

	got, _ := s.GetEntity(ctx, "t-1")
	if string(got.Fields["title"]) != `"remote"` {
		t.Errorf("title = %s", got.Fields["title"])
	}

	recs, err := s.ListConflictAudit(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Winner != "remote" || string(recs[0].Local.Fields["title"]) != `"local"` {
		t.Errorf("audit = %+v", recs)
	}
}

func TestApplyResolution_StaleLocalIsSkipped(t *testing.T) {
	// Given: a conflict computed against an older local version
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	seen := testEntity("t-1", "task", "old")
	seen.LocalVersionAt = now
	newer := testEntity("t-1", "task", "newer")
	newer.LocalVersionAt = now.Add(time.Second)
	if err := s.PutEntity(ctx, newer); err != nil {
		t.Fatal(err)
	}

	// When: the resolution is applied
	applied, err := s.ApplyResolution(ctx, &seen, testEntity("t-1", "task", "remote"), types.ConflictAudit{
		DataConflict: types.DataConflict{EntityID: "t-1"},
		Winner:       "remote",
		ResolvedAt:   now,
	})

	// Then: nothing is written
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("stale resolution applied")
	}
	got, _ := s.GetEntity(ctx, "t-1")
	if string(got.Fields["title"]) != `"newer"` {
		t.Errorf("local change overwritten: %s", got.Fields["title"])
	}
	if recs, _ := s.ListConflictAudit(ctx, 0, 10); len(recs) != 0 {
		t.Errorf("audit written for skipped resolution")
	}
}

func TestApplyResolution_TombstoneDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local := testEntity("t-1", "task", "x")
	if err := s.PutEntity(ctx, local); err != nil {
		t.Fatal(err)
	}
	tomb := types.Entity{ID: "t-1", Kind: "task", Deleted: true}

	applied, err := s.ApplyResolution(ctx, &local, tomb, types.ConflictAudit{
		DataConflict: types.DataConflict{EntityID: "t-1"},
		Winner:       "remote",
		ResolvedAt:   time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("ApplyResolution = %v, %v", applied, err)
	}
	if _, err := s.GetEntity(ctx, "t-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("tombstoned entity still present: %v", err)
	}
}

func TestApplyResolution_ExpectedAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	applied, err := s.ApplyResolution(ctx, nil, testEntity("new", "task", "x"), types.ConflictAudit{
		DataConflict: types.DataConflict{EntityID: "new"},
		Winner:       "remote",
		ResolvedAt:   time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("ApplyResolution = %v, %v", applied, err)
	}

	// A second insert against "absent" must now be refused.
	applied, err = s.ApplyResolution(ctx, nil, testEntity("new", "task", "y"), types.ConflictAudit{
		DataConflict: types.DataConflict{EntityID: "new"},
		Winner:       "remote",
		ResolvedAt:   time.Now(),
	})
	if err != nil || applied {
		t.Errorf("second ApplyResolution = %v, %v; want false, nil", applied, err)
	}
}

func TestConflictAudit_Paging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.RecordConflict(ctx, types.ConflictAudit{
			DataConflict: types.DataConflict{EntityID: "e", Kind: "task", Policy: "last_write_wins"},
			Winner:       "local",
			ResolvedAt:   time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.ListConflictAudit(ctx, 0, 3)
	if err != nil || len(first) != 3 {
		t.Fatalf("first page = %d, %v", len(first), err)
	}
	rest, err := s.ListConflictAudit(ctx, first[2].ID, 10)
	if err != nil || len(rest) != 2 {
		t.Fatalf("second page = %d, %v", len(rest), err)
	}
}

func TestSyncMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSyncMeta(ctx, "audit_cursor"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSyncMeta(ctx, "audit_cursor", "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSyncMeta(ctx, "audit_cursor", "43"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetSyncMeta(ctx, "audit_cursor")
	if err != nil || v != "43" {
		t.Errorf("GetSyncMeta = %q, %v", v, err)
	}
}
