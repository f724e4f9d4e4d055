package executor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Workspaces provisions and inspects per-task working directories under
// a single root:
//
//	<root>/tasks/<id>_<slug>/   one-off tasks
//	<root>/projects/<id>/       shared across a project's tasks
//	<root>/shared/              scratch available to every task
type Workspaces struct {
	Root string
	Log  *slog.Logger

	now func() time.Time
}

// NewWorkspaces creates the root layout.
func NewWorkspaces(root string, log *slog.Logger) (*Workspaces, error) {
	if log == nil {
		log = slog.Default()
	}
	w := &Workspaces{Root: root, Log: log, now: time.Now}
	for _, dir := range []string{w.TasksDir(), w.ProjectsDir(), filepath.Join(root, "shared")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("workspace root: %w", err)
		}
	}
	return w, nil
}

func (w *Workspaces) TasksDir() string    { return filepath.Join(w.Root, "tasks") }
func (w *Workspaces) ProjectsDir() string { return filepath.Join(w.Root, "projects") }

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]+`)
var hyphenRuns = regexp.MustCompile(`-+`)

// Slug derives a directory-name fragment from the first four words of a
// task description. Empty input collapses to "task".
func Slug(description string) string {
	words := strings.Fields(description)
	if len(words) > 4 {
		words = words[:4]
	}
	s := strings.ToLower(strings.Join(words, "-"))
	s = nonSlugChars.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 30 {
		s = s[:30]
	}
	if s == "" {
		return "task"
	}
	return s
}

// Provision returns the workspace for a task, creating it if needed.
// Project tasks share one directory per project id.
func (w *Workspaces) Provision(taskID int64, description string, projectID *string) (string, error) {
	var dir string
	if projectID != nil && *projectID != "" {
		dir = filepath.Join(w.ProjectsDir(), *projectID)
	} else {
		dir = filepath.Join(w.TasksDir(), fmt.Sprintf("%d_%s", taskID, Slug(description)))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("provision workspace: %w", err)
	}
	w.Log.Debug("workspace: ready", "task_id", taskID, "path", dir)
	return dir, nil
}

// FindTaskWorkspace locates a one-off task workspace by id prefix.
func (w *Workspaces) FindTaskWorkspace(taskID int64) (string, bool) {
	entries, err := os.ReadDir(w.TasksDir())
	if err != nil {
		return "", false
	}
	prefix := fmt.Sprintf("%d_", taskID)
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			return filepath.Join(w.TasksDir(), entry.Name()), true
		}
	}
	return "", false
}

// Path resolves the workspace for a task without creating it.
func (w *Workspaces) Path(taskID int64, projectID *string) (string, bool) {
	if projectID != nil && *projectID != "" {
		dir := filepath.Join(w.ProjectsDir(), *projectID)
		if _, err := os.Stat(dir); err == nil {
			return dir, true
		}
		return "", false
	}
	return w.FindTaskWorkspace(taskID)
}

// TrashProject moves a deleted project's workspace into <root>/trash
// with a timestamp suffix instead of removing it. Returns the trash path,
// or "" when the project has no workspace.
func (w *Workspaces) TrashProject(projectID string) (string, error) {
	src := filepath.Join(w.ProjectsDir(), projectID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("trash project %s: %w", projectID, err)
	}
	trashDir := filepath.Join(w.Root, "trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return "", fmt.Errorf("trash dir: %w", err)
	}
	stamp := w.now().UTC().Format("20060102_150405")
	dst := filepath.Join(trashDir, fmt.Sprintf("project_%s_%s", projectID, stamp))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("trash project %s: %w", projectID, err)
	}
	w.Log.Info("workspace: project trashed", "project", projectID, "path", dst)
	return dst, nil
}

// Cleanup removes a one-off task workspace. Without force only empty
// workspaces are removed; project workspaces are never touched here.
func (w *Workspaces) Cleanup(taskID int64, force bool) bool {
	dir, ok := w.FindTaskWorkspace(taskID)
	if !ok {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	if !force && len(entries) > 0 {
		w.Log.Debug("workspace: cleanup skipped", "task_id", taskID, "path", dir)
		return false
	}
	if err := os.RemoveAll(dir); err != nil {
		w.Log.Error("workspace: cleanup failed", "path", dir, "error", err)
		return false
	}
	w.Log.Debug("workspace: cleaned", "path", dir)
	return true
}

// snapshotExcludes are never counted as task output.
var snapshotExcludes = map[string]bool{
	".git":         true,
	".gitignore":   true,
	"__pycache__":  true,
	".DS_Store":    true,
	"node_modules": true,
}

// ListFiles enumerates workspace files relative to the workspace root,
// skipping version-control metadata and cache directories.
func (w *Workspaces) ListFiles(workspace string) map[string]bool {
	files := map[string]bool{}
	filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != workspace && (snapshotExcludes[name] || strings.HasPrefix(name, ".git")) {
				return filepath.SkipDir
			}
			return nil
		}
		if snapshotExcludes[name] || strings.HasPrefix(name, ".git") {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return nil
		}
		files[rel] = true
		return nil
	})
	return files
}

// CleanupCaches deletes well-known cache directories inside a workspace.
func (w *Workspaces) CleanupCaches(workspace string) {
	filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if d.Name() == "__pycache__" || d.Name() == "node_modules" {
			os.RemoveAll(path)
			return filepath.SkipDir
		}
		return nil
	})
}

// refineCopyExcludes filters the source tree copied into refine-task
// workspaces.
var refineCopyExcludes = []string{
	"**/.git/**",
	"**/__pycache__/**",
	"**/*.pyc",
	"**/.venv/**",
	"**/venv/**",
	"**/*.egg-info/**",
	"**/dist/**",
	"**/build/**",
	"**/workspace/**",
	"**/node_modules/**",
}

// CopySourceTree copies the project source into a refine-task workspace
// so the task can improve the codebase itself. Copy failures log and
// leave the workspace usable.
func (w *Workspaces) CopySourceTree(srcRoot, workspace string, taskID int64) {
	copied := 0
	err := filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil || rel == "." {
			return nil
		}
		slashRel := filepath.ToSlash(rel)
		for _, pattern := range refineCopyExcludes {
			// Match both the path itself and its directory form.
			if ok, _ := doublestar.Match(pattern, slashRel); ok {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ok, _ := doublestar.Match(pattern, slashRel+"/"); ok && d.IsDir() {
				return filepath.SkipDir
			}
		}
		dest := filepath.Join(workspace, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if err := copyFile(path, dest); err != nil {
			return nil
		}
		copied++
		return nil
	})
	if err != nil {
		w.Log.Error("workspace: source copy failed", "task_id", taskID, "error", err)
		return
	}
	w.Log.Info("workspace: source copied for refine task", "task_id", taskID, "files", copied)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
