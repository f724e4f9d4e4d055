package livestatus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tracker, err := NewTracker(filepath.Join(t.TempDir(), "data", "live.json"), nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tracker
}

func TestUpdateAndEntries(t *testing.T) {
	tracker := newTestTracker(t)

	if err := tracker.Update(Entry{TaskID: 1, Phase: "planner", Status: "running"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := tracker.Update(Entry{TaskID: 2, Phase: "worker", Status: "running"}); err != nil {
		t.Fatal(err)
	}
	// Upsert task 1 again.
	if err := tracker.Update(Entry{TaskID: 1, Phase: "worker", Status: "running"}); err != nil {
		t.Fatal(err)
	}

	entries := tracker.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.TaskID == 1 && e.Phase != "worker" {
			t.Errorf("task 1 not upserted: %+v", e)
		}
	}
}

func TestUpdateRequiresTaskID(t *testing.T) {
	tracker := newTestTracker(t)
	if err := tracker.Update(Entry{Phase: "planner"}); err == nil {
		t.Error("expected error for missing task id")
	}
}

func TestPreviewsTruncated(t *testing.T) {
	tracker := newTestTracker(t)
	long := strings.Repeat("x", 1000)
	if err := tracker.Update(Entry{TaskID: 7, AnswerPreview: long}); err != nil {
		t.Fatal(err)
	}
	entries := tracker.Entries()
	if len(entries) != 1 {
		t.Fatal("missing entry")
	}
	if got := len([]rune(entries[0].AnswerPreview)); got > previewLimit {
		t.Errorf("preview length %d exceeds limit %d", got, previewLimit)
	}
}

func TestClearAndClearAll(t *testing.T) {
	tracker := newTestTracker(t)
	tracker.Update(Entry{TaskID: 1})
	tracker.Update(Entry{TaskID: 2})

	if err := tracker.Clear(1); err != nil {
		t.Fatal(err)
	}
	if entries := tracker.Entries(); len(entries) != 1 || entries[0].TaskID != 2 {
		t.Errorf("after Clear: %+v", entries)
	}

	tracker.ClearAll()
	if _, err := os.Stat(tracker.path); !os.IsNotExist(err) {
		t.Error("status file should be removed")
	}
	if entries := tracker.Entries(); len(entries) != 0 {
		t.Errorf("entries after ClearAll: %+v", entries)
	}
}

func TestPruneDropsStaleEntries(t *testing.T) {
	tracker := newTestTracker(t)
	now := time.Now().UTC()
	tracker.now = func() time.Time { return now }

	tracker.Update(Entry{TaskID: 1, UpdatedAt: now.Add(-2 * time.Hour).Format(time.RFC3339)})
	tracker.Update(Entry{TaskID: 2, UpdatedAt: now.Format(time.RFC3339)})
	tracker.Update(Entry{TaskID: 3, UpdatedAt: "not a timestamp"})

	if err := tracker.Prune(time.Hour); err != nil {
		t.Fatal(err)
	}
	entries := tracker.Entries()
	if len(entries) != 1 || entries[0].TaskID != 2 {
		t.Errorf("after prune: %+v", entries)
	}
}

func TestCorruptFileTolerated(t *testing.T) {
	tracker := newTestTracker(t)
	tracker.Update(Entry{TaskID: 1})
	if err := os.WriteFile(tracker.path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if entries := tracker.Entries(); len(entries) != 0 {
		t.Errorf("corrupt file should read as empty, got %+v", entries)
	}
	// Writes recover the file.
	if err := tracker.Update(Entry{TaskID: 5}); err != nil {
		t.Fatal(err)
	}
	if entries := tracker.Entries(); len(entries) != 1 {
		t.Errorf("recovery write failed: %+v", entries)
	}
}
