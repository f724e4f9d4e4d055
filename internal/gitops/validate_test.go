package gitops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateRejectsSecrets(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	writeFile(t, dir, "config.env", "DB_password=hunter2")
	writeFile(t, dir, "notes.md", "nothing sensitive here")

	ok, msg := m.ValidateChanges(dir, []string{"config.env", "notes.md"})
	if ok {
		t.Fatal("secret file passed validation")
	}
	if !strings.Contains(msg, "config.env") || strings.Contains(msg, "notes.md") {
		t.Errorf("message: %s", msg)
	}
}

func TestValidateSecretPatternsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()

	for i, content := range []string{
		"private_key = abc",
		"my Api_Key here",
		"credential: xyz",
		"auth TOKEN value",
	} {
		name := writeFile(t, dir, "f"+string(rune('a'+i))+".txt", content)
		if !containsSecrets(name) {
			t.Errorf("missed secret in %q", content)
		}
	}
}

func TestValidateGoSyntax(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	writeFile(t, dir, "good.go", "package p\n\nfunc F() int { return 1 }\n")
	writeFile(t, dir, "bad.go", "package p\n\nfunc F( {\n")

	ok, msg := m.ValidateChanges(dir, []string{"good.go"})
	if !ok {
		t.Errorf("valid Go rejected: %s", msg)
	}
	ok, msg = m.ValidateChanges(dir, []string{"bad.go"})
	if ok {
		t.Error("invalid Go accepted")
	}
	if !strings.Contains(msg, "Go syntax error in bad.go") {
		t.Errorf("message: %s", msg)
	}
}

func TestValidateShellSyntax(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	writeFile(t, dir, "good.sh", "#!/bin/sh\necho hello\n")
	writeFile(t, dir, "bad.sh", "if [ x; then\n")

	if ok, _ := m.ValidateChanges(dir, []string{"good.sh"}); !ok {
		t.Error("valid shell rejected")
	}
	if ok, _ := m.ValidateChanges(dir, []string{"bad.sh"}); ok {
		t.Error("invalid shell accepted")
	}
}

func TestValidateMissingFileTolerated(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	if ok, msg := m.ValidateChanges(dir, []string{"does-not-exist.txt"}); !ok {
		t.Errorf("missing file should not fail validation: %s", msg)
	}
}

func TestDetermineBranch(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	project := "blog"
	if got := m.DetermineBranch(&project); got != "project/blog" {
		t.Errorf("project branch: %s", got)
	}
	if got := m.DetermineBranch(nil); got != "tasks" {
		t.Errorf("default branch: %s", got)
	}
	empty := ""
	if got := m.DetermineBranch(&empty); got != "tasks" {
		t.Errorf("empty project branch: %s", got)
	}
}

func TestWriteSummaryFileTruncates(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	long := strings.Repeat("z", 3000)
	name := m.WriteSummaryFile(dir, 42, "random", "capture a thought", long)
	if name != "task_42_summary.md" {
		t.Fatalf("summary name: %s", name)
	}
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	content := string(raw)
	if !strings.Contains(content, "[output truncated for summary]") {
		t.Error("long output not truncated")
	}
	if !strings.Contains(content, "Task #42 Summary") || !strings.Contains(content, "capture a thought") {
		t.Errorf("summary content: %s", content[:200])
	}
}

func TestEnsureGitignorePreservesExisting(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)
	writeFile(t, dir, ".gitignore", "*.log\n")

	if err := m.ensureGitignore(); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, ".gitignore"))
	content := string(raw)
	if !strings.Contains(content, "*.log") {
		t.Error("existing entries lost")
	}
	if !strings.Contains(content, "data/") {
		t.Error("managed entry missing")
	}

	// Second run is a no-op.
	before := content
	if err := m.ensureGitignore(); err != nil {
		t.Fatal(err)
	}
	raw, _ = os.ReadFile(filepath.Join(dir, ".gitignore"))
	if string(raw) != before {
		t.Error("ensureGitignore not idempotent")
	}
}
