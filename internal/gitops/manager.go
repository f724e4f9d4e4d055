// Package gitops consolidates task output into a single workspace git
// repository with a branch-per-project workflow. All operations are
// best-effort from the daemon's point of view: a git failure never
// fails the task that produced the work.
package gitops

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const managedIgnoreHeader = "# Sleepless managed ignores"

// Manager owns the workspace repository.
type Manager struct {
	RepoPath          string
	DefaultTaskBranch string
	MainBranch        string
	Log               *slog.Logger

	now               func() time.Time
	pushWarningLogged bool
}

// NewManager points at the workspace root; branches default to
// "tasks" and "main".
func NewManager(workspaceRoot string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		abs = workspaceRoot
	}
	return &Manager{
		RepoPath:          abs,
		DefaultTaskBranch: "tasks",
		MainBranch:        "main",
		Log:               log,
		now:               time.Now,
	}
}

// InitRepo ensures the repository exists with an initial commit, the
// default task branch, and the managed .gitignore entries.
func (m *Manager) InitRepo() error {
	if err := os.MkdirAll(m.RepoPath, 0o755); err != nil {
		return fmt.Errorf("workspace repo dir: %w", err)
	}

	if _, err := os.Stat(filepath.Join(m.RepoPath, ".git")); err != nil {
		if _, err := m.git("init", "-b", m.MainBranch); err != nil {
			return err
		}
		if _, err := m.git("config", "user.email", "agent@sleepless.local"); err != nil {
			return err
		}
		if _, err := m.git("config", "user.name", "Sleepless Agent"); err != nil {
			return err
		}
		m.Log.Info("gitops: initialized workspace repo", "path", m.RepoPath)
	}

	if !m.hasCommits() {
		keep := filepath.Join(m.RepoPath, ".gitkeep")
		if err := os.WriteFile(keep, nil, 0o644); err != nil {
			return fmt.Errorf("gitkeep: %w", err)
		}
		if _, err := m.git("add", ".gitkeep"); err != nil {
			return err
		}
		if _, err := m.git("commit", "-m", "Initial commit"); err != nil {
			return err
		}
	}

	if m.DefaultTaskBranch != m.MainBranch {
		if err := m.EnsureBranch(m.DefaultTaskBranch); err != nil {
			return err
		}
	}
	return m.ensureGitignore()
}

// DetermineBranch maps a project scope to its branch.
func (m *Manager) DetermineBranch(projectID *string) string {
	if projectID != nil && *projectID != "" {
		return "project/" + *projectID
	}
	return m.DefaultTaskBranch
}

// EnsureBranch creates the branch from main when it does not exist yet.
func (m *Manager) EnsureBranch(branch string) error {
	if m.branchExists(branch) {
		return nil
	}
	if _, err := m.git("checkout", m.MainBranch); err != nil {
		return err
	}
	if _, err := m.git("branch", branch, m.MainBranch); err != nil {
		return err
	}
	m.Log.Info("gitops: created branch", "branch", branch, "from", m.MainBranch)
	return nil
}

// CommitWorkspaceChanges stages the listed files (relative to the task
// workspace) on branch, commits, merges to main, and pushes. It returns
// the commit sha, or "" when nothing needed committing.
func (m *Manager) CommitWorkspaceChanges(branch, workspacePath string, files []string, message string) (string, error) {
	if err := m.InitRepo(); err != nil {
		return "", err
	}
	if err := m.EnsureBranch(branch); err != nil {
		return "", err
	}

	relative := m.normalizeFiles(workspacePath, files)
	if len(relative) == 0 {
		m.Log.Info("gitops: no tracked files to commit", "branch", branch)
		return "", nil
	}

	if _, err := m.git("checkout", branch); err != nil {
		return "", err
	}
	m.fastForwardWithMain(branch)

	if err := m.stage(relative); err != nil {
		return "", err
	}
	sha, err := m.commitIfNeeded(message)
	if err != nil {
		return "", err
	}
	if sha == "" {
		m.Log.Info("gitops: no changes to commit", "branch", branch)
		m.git("checkout", m.MainBranch)
		return "", nil
	}

	if err := m.mergeIntoMain(branch); err != nil {
		return sha, err
	}
	m.PushAll()
	return sha, nil
}

// PushAll pushes every branch to origin when a remote is configured.
// Unreachable-remote failures log once and stop repeating.
func (m *Manager) PushAll() {
	if !m.hasRemote("origin") {
		return
	}
	_, err := m.git("push", "--all", "origin")
	if err == nil {
		if m.pushWarningLogged {
			m.Log.Info("gitops: push to origin recovered")
			m.pushWarningLogged = false
		}
		return
	}
	msg := err.Error()
	if strings.Contains(msg, "Repository not found") || strings.Contains(msg, "Could not read from remote repository") {
		if !m.pushWarningLogged {
			m.Log.Warn("gitops: push failed, remote unavailable; continuing without pushing")
			m.pushWarningLogged = true
		}
		return
	}
	m.Log.Error("gitops: push failed", "error", err)
}

// ConfigureRemote sets or updates the push target.
func (m *Manager) ConfigureRemote(remoteName, remoteURL string) error {
	if remoteURL == "" {
		m.Log.Warn("gitops: empty remote url, skipping remote configuration")
		return nil
	}
	if err := m.InitRepo(); err != nil {
		return err
	}
	if m.hasRemote(remoteName) {
		_, err := m.git("remote", "set-url", remoteName, remoteURL)
		return err
	}
	_, err := m.git("remote", "add", remoteName, remoteURL)
	return err
}

// WriteSummaryFile persists task output as a markdown file so commits
// from no-file tasks still have content. Returns the path relative to
// the workspace, or "" on failure.
func (m *Manager) WriteSummaryFile(workspacePath string, taskID int64, priority, description, output string) string {
	const limit = 2000
	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		m.Log.Warn("gitops: summary dir failed", "task_id", taskID, "error", err)
		return ""
	}

	truncated := output
	if len(output) > limit {
		truncated = output[:limit] + "\n\n[output truncated for summary]"
	}
	content := fmt.Sprintf("# Task #%d Summary\n\n**When**: %s UTC\n**Priority**: %s\n**Description**: %s\n\n## Output\n\n%s\n",
		taskID, m.now().UTC().Format(time.RFC3339), priority, description, truncated)

	name := fmt.Sprintf("task_%d_summary.md", taskID)
	if err := os.WriteFile(filepath.Join(workspacePath, name), []byte(content), 0o644); err != nil {
		m.Log.Warn("gitops: summary write failed", "task_id", taskID, "error", err)
		return ""
	}
	return name
}

func (m *Manager) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.RepoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], detail)
	}
	return strings.TrimSpace(string(out)), nil
}

func (m *Manager) hasCommits() bool {
	_, err := m.git("rev-parse", "HEAD")
	return err == nil
}

func (m *Manager) branchExists(branch string) bool {
	_, err := m.git("rev-parse", "--verify", branch)
	return err == nil
}

func (m *Manager) hasRemote(name string) bool {
	out, err := m.git("remote")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			return true
		}
	}
	return false
}

func (m *Manager) stage(paths []string) error {
	var tracked []string
	for _, path := range paths {
		if m.isIgnored(path) {
			m.Log.Debug("gitops: skipping ignored path", "path", path)
			continue
		}
		tracked = append(tracked, path)
	}
	if len(tracked) == 0 {
		return nil
	}
	_, err := m.git(append([]string{"add", "--"}, tracked...)...)
	return err
}

func (m *Manager) isIgnored(path string) bool {
	cmd := exec.Command("git", "check-ignore", path)
	cmd.Dir = m.RepoPath
	err := cmd.Run()
	return err == nil // exit 0 means ignored
}

func (m *Manager) commitIfNeeded(message string) (string, error) {
	staged, err := m.git("diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) == "" {
		return "", nil
	}
	if _, err := m.git("commit", "-m", message); err != nil {
		return "", err
	}
	return m.git("rev-parse", "HEAD")
}

// fastForwardWithMain brings the branch up to date when possible; a
// branch that is ahead of main is left alone.
func (m *Manager) fastForwardWithMain(branch string) {
	if branch == m.MainBranch {
		return
	}
	if _, err := m.git("merge", "--ff-only", m.MainBranch); err != nil {
		m.Log.Debug("gitops: branch not fast-forward from main", "branch", branch)
	}
}

func (m *Manager) mergeIntoMain(branch string) error {
	if branch == m.MainBranch {
		return nil
	}
	if _, err := m.git("checkout", m.MainBranch); err != nil {
		return err
	}
	if _, err := m.git("merge", "--ff-only", branch); err == nil {
		return nil
	}
	m.Log.Warn("gitops: fast-forward merge failed, using merge commit", "branch", branch)
	_, err := m.git("merge", "--no-ff", branch, "-m", fmt.Sprintf("Merge branch '%s'", branch))
	return err
}

// normalizeFiles maps task-workspace-relative paths to repo-relative
// paths, dropping anything outside the repo.
func (m *Manager) normalizeFiles(workspacePath string, files []string) []string {
	var out []string
	for _, file := range files {
		abs, err := filepath.Abs(filepath.Join(workspacePath, file))
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(m.RepoPath, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			m.Log.Warn("gitops: skipping file outside workspace repo", "file", abs)
			continue
		}
		out = append(out, rel)
	}
	return out
}

// ensureGitignore keeps mutable runtime artifacts out of version
// control without clobbering user entries.
func (m *Manager) ensureGitignore() error {
	path := filepath.Join(m.RepoPath, ".gitignore")
	entries := []string{"data/"}

	var existing []string
	if raw, err := os.ReadFile(path); err == nil {
		existing = strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
		if len(existing) == 1 && existing[0] == "" {
			existing = nil
		}
	}

	updated := append([]string{}, existing...)
	if !contains(updated, managedIgnoreHeader) {
		if len(updated) > 0 && strings.TrimSpace(updated[len(updated)-1]) != "" {
			updated = append(updated, "")
		}
		updated = append(updated, managedIgnoreHeader)
	}
	for _, entry := range entries {
		if !contains(updated, entry) {
			updated = append(updated, entry)
		}
	}

	if len(updated) == len(existing) {
		return nil
	}
	return os.WriteFile(path, []byte(strings.Join(updated, "\n")+"\n"), 0o644)
}

func contains(lines []string, want string) bool {
	for _, line := range lines {
		if line == want {
			return true
		}
	}
	return false
}
