// Package livestatus persists in-flight task execution state to a small
// JSON file so front ends can show what the daemon is doing right now.
package livestatus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

const previewLimit = 240

// Entry is the live status of one task.
type Entry struct {
	TaskID        int64   `json:"task_id"`
	Description   string  `json:"description"`
	ProjectName   *string `json:"project_name"`
	Phase         string  `json:"phase"`
	PromptPreview string  `json:"prompt_preview"`
	AnswerPreview string  `json:"answer_preview"`
	Status        string  `json:"status"`
	UpdatedAt     string  `json:"updated_at"` // RFC 3339 UTC
}

// Tracker upserts entries into a single JSON document, rewritten
// atomically on every change. Readers tolerate a missing file.
type Tracker struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
	now  func() time.Time
}

// NewTracker stores entries at path, creating parent directories.
func NewTracker(path string, log *slog.Logger) (*Tracker, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("live status dir: %w", err)
	}
	return &Tracker{path: path, log: log, now: time.Now}, nil
}

// Update upserts the entry, truncating previews to keep the file small.
func (t *Tracker) Update(entry Entry) error {
	if entry.TaskID == 0 {
		return fmt.Errorf("live status entry requires task_id")
	}
	entry.Description = truncate(entry.Description)
	entry.PromptPreview = truncate(entry.PromptPreview)
	entry.AnswerPreview = truncate(entry.AnswerPreview)
	if entry.UpdatedAt == "" {
		entry.UpdatedAt = t.now().UTC().Format(time.RFC3339)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.readAll()
	data[strconv.FormatInt(entry.TaskID, 10)] = entry
	return t.writeAtomic(data)
}

// Clear removes one task from tracking.
func (t *Tracker) Clear(taskID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.readAll()
	key := strconv.FormatInt(taskID, 10)
	if _, ok := data[key]; !ok {
		return nil
	}
	delete(data, key)
	return t.writeAtomic(data)
}

// ClearAll removes the status file entirely.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		t.log.Debug("livestatus: remove failed", "path", t.path, "error", err)
	}
}

// Prune drops entries whose last update is older than maxAge, plus any
// with an unparseable timestamp.
func (t *Tracker) Prune(maxAge time.Duration) error {
	cutoff := t.now().UTC().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.readAll()
	changed := false
	for key, entry := range data {
		stamp, err := time.Parse(time.RFC3339, entry.UpdatedAt)
		if err != nil || stamp.Before(cutoff) {
			delete(data, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return t.writeAtomic(data)
}

// Entries returns all tracked tasks, most recently updated first.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	data := t.readAll()
	t.mu.Unlock()

	out := make([]Entry, 0, len(data))
	for _, entry := range data {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

func (t *Tracker) readAll() map[string]Entry {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Debug("livestatus: read failed", "path", t.path, "error", err)
		}
		return map[string]Entry{}
	}
	var data map[string]Entry
	if err := json.Unmarshal(raw, &data); err != nil {
		t.log.Warn("livestatus: corrupted status file", "path", t.path, "error", err)
		return map[string]Entry{}
	}
	return data
}

func (t *Tracker) writeAtomic(data map[string]Entry) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode live status: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write live status: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace live status: %w", err)
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit-1]) + "…"
}
