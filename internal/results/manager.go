// Package results pairs the results table with per-execution JSON files
// under data/results/ so other tooling can read outcomes without
// touching the database.
package results

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sleeplessd/sleepless/internal/queue"
)

// Manager persists results to the store and mirrors them to disk.
type Manager struct {
	store *queue.Store
	dir   string
	log   *slog.Logger
}

// NewManager writes result files under dir, creating it as needed.
func NewManager(store *queue.Store, dir string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("results dir: %w", err)
	}
	return &Manager{store: store, dir: dir, log: log}, nil
}

// Save inserts the result row and writes its JSON mirror. The file is
// best-effort: a write failure logs but keeps the row.
func (m *Manager) Save(r *queue.Result) error {
	if err := m.store.InsertResult(r); err != nil {
		return err
	}
	m.writeFile(r)
	return nil
}

// AttachCommit records commit metadata on the row and refreshes the
// file mirror.
func (m *Manager) AttachCommit(r *queue.Result, sha, branch string) error {
	if err := m.store.UpdateResultCommit(r.ID, sha, branch); err != nil {
		return err
	}
	r.GitCommitSHA = sha
	r.GitBranch = branch
	m.writeFile(r)
	return nil
}

// Get reads one result by id from the store.
func (m *Manager) Get(id int64) (*queue.Result, error) {
	return m.store.GetResult(id)
}

// ForTask returns all results of a task, oldest first.
func (m *Manager) ForTask(taskID int64) ([]*queue.Result, error) {
	return m.store.ResultsForTask(taskID)
}

// PurgeTask deletes a task's result rows and their file mirrors.
func (m *Manager) PurgeTask(taskID int64) error {
	rows, err := m.store.ResultsForTask(taskID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteResultsForTask(taskID); err != nil {
		return err
	}
	for _, r := range rows {
		path := m.filePath(r)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.Debug("results: file removal failed", "path", path, "error", err)
		}
	}
	return nil
}

func (m *Manager) filePath(r *queue.Result) string {
	return filepath.Join(m.dir, fmt.Sprintf("task_%d_%d.json", r.TaskID, r.ID))
}

func (m *Manager) writeFile(r *queue.Result) {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		m.log.Warn("results: encode failed", "result_id", r.ID, "error", err)
		return
	}
	path := m.filePath(r)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		m.log.Warn("results: file write failed", "path", path, "error", err)
	}
}
