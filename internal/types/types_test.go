package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOperationKind_Valid(t *testing.T) {
	tests := []struct {
		kind OperationKind
		want bool
	}{
		{KindCompleteTask, true},
		{KindUploadPhotoMetadata, true},
		{KindUpdateProfile, true},
		{"", false},
		{"delete_everything", false},
		{"COMPLETE_TASK", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPendingOperation_Eligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name string
		next *time.Time
		want bool
	}{
		{"never attempted", nil, true},
		{"retry time passed", &past, true},
		{"retry time is now", &now, true},
		{"retry time in future", &future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := PendingOperation{NextRetryAt: tt.next}
			if got := op.Eligible(now); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntity_SameContent_IgnoresWhitespaceAndTimestamps(t *testing.T) {
	a := Entity{
		ID:   "task-1",
		Kind: "task",
		Fields: map[string]json.RawMessage{
			"title": json.RawMessage(`"water plants"`),
			"meta":  json.RawMessage(`{"a": 1, "b": [1, 2]}`),
		},
		LocalVersionAt: time.Unix(100, 0),
	}
	b := Entity{
		ID:   "task-1",
		Kind: "task",
		Fields: map[string]json.RawMessage{
			"title": json.RawMessage(`"water plants"`),
			"meta":  json.RawMessage(`{"a":1,"b":[1,2]}`),
		},
		ServerUpdatedAt: time.Unix(200, 0),
	}

	if !a.SameContent(b) {
		t.Error("expected entities with equivalent JSON to have the same content")
	}

	b.Fields["title"] = json.RawMessage(`"repot plants"`)
	if a.SameContent(b) {
		t.Error("expected differing field values to differ")
	}
}

func TestEntity_SameContent_Tombstone(t *testing.T) {
	a := Entity{ID: "x", Fields: map[string]json.RawMessage{}}
	b := a.Clone()
	b.Deleted = true

	if a.SameContent(b) {
		t.Error("tombstone must differ from live record")
	}
}

func TestEntity_Clone_IsDeep(t *testing.T) {
	orig := Entity{
		ID:     "p-1",
		Fields: map[string]json.RawMessage{"name": json.RawMessage(`"ada"`)},
	}

	clone := orig.Clone()
	clone.Fields["name"][1] = 'X'
	clone.Fields["extra"] = json.RawMessage(`true`)

	if string(orig.Fields["name"]) != `"ada"` {
		t.Errorf("original mutated through clone: %s", orig.Fields["name"])
	}
	if _, ok := orig.Fields["extra"]; ok {
		t.Error("original map gained key through clone")
	}
}

func TestEntity_Dirty(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	clean := Entity{LocalVersionAt: base, SyncedAt: base.Add(time.Minute)}
	if clean.Dirty() {
		t.Error("entity synced after last local change should be clean")
	}

	dirty := Entity{LocalVersionAt: base.Add(time.Minute), SyncedAt: base}
	if !dirty.Dirty() {
		t.Error("entity changed after last sync should be dirty")
	}
}

func TestConnectivityState_String(t *testing.T) {
	if got := Disconnected().String(); got != "disconnected" {
		t.Errorf("Disconnected().String() = %q", got)
	}
	if got := Connected(InterfaceWiFi).String(); got != "connected(wifi)" {
		t.Errorf("Connected(wifi).String() = %q", got)
	}
	if Connected(InterfaceWiFi) == Connected(InterfaceCellular) {
		t.Error("states over different interfaces must not compare equal")
	}
}
