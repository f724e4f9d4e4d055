package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPrompts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	content := `prompts:
  - name: cleanup
    prompt: Tidy one module.
    weight: 2
  - name: explore
    prompt: Propose an experiment.
    model: haiku
    log_severity: warn
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	prompts, err := LoadPrompts(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 2 {
		t.Fatalf("prompts: %d", len(prompts))
	}
	if prompts[0].Name != "cleanup" || prompts[0].Weight != 2 {
		t.Errorf("first: %+v", prompts[0])
	}
	if prompts[1].Weight != 1.0 {
		t.Errorf("default weight: %f", prompts[1].Weight)
	}
	if prompts[1].Model != "haiku" || prompts[1].LogSeverity != "warn" {
		t.Errorf("second: %+v", prompts[1])
	}
}

func TestLoadPromptsMissingFile(t *testing.T) {
	prompts, err := LoadPrompts(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || prompts != nil {
		t.Errorf("missing file: %v %v", prompts, err)
	}
}

func TestLoadPromptsRejectsAnonymous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	os.WriteFile(path, []byte("prompts:\n  - weight: 1\n"), 0o644)
	if _, err := LoadPrompts(path); err == nil {
		t.Fatal("anonymous prompt accepted")
	}
}
