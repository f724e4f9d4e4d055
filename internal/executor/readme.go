package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const taskReadmeTemplate = `# Task Workspace

Task #{TASK_ID}: {TASK_TITLE}

## Summary
- Priority: {PRIORITY_LABEL}
- Project: {PROJECT_NAME}
- Created: {CREATED_AT}

## Description
{TASK_DESCRIPTION}

## Plan & Analysis
(Generated by planner)

## TODO List
(Updated by worker)

## Status: PENDING

## Outstanding Items
(Updated by evaluator)

## Recommendations
(Updated by evaluator)

## Execution Summary
`

// EnsureReadme creates README.md from the template when missing and
// returns its path.
func (w *Workspaces) EnsureReadme(workspace string, taskID int64, description, priority string, projectName *string) string {
	path := filepath.Join(workspace, "README.md")
	if _, err := os.Stat(path); err == nil {
		return path
	}

	title := description
	if len(title) > 50 {
		title = title[:50]
	}
	project := "None"
	if projectName != nil && *projectName != "" {
		project = *projectName
	}
	replacer := strings.NewReplacer(
		"{TASK_ID}", fmt.Sprintf("%d", taskID),
		"{TASK_TITLE}", title,
		"{TASK_DESCRIPTION}", description,
		"{PRIORITY_LABEL}", strings.ToUpper(priority),
		"{PROJECT_NAME}", project,
		"{CREATED_AT}", w.now().UTC().Format(time.RFC3339),
	)
	if err := os.WriteFile(path, []byte(replacer.Replace(taskReadmeTemplate)), 0o644); err != nil {
		w.Log.Warn("workspace: readme create failed", "path", path, "error", err)
	}
	return path
}

// ReadContext builds the planner's view of the workspace: the README
// plus a top-level listing.
func (w *Workspaces) ReadContext(workspace string) string {
	var parts []string

	if raw, err := os.ReadFile(filepath.Join(workspace, "README.md")); err == nil {
		parts = append(parts, "## Project README\n"+string(raw))
	}

	entries, err := os.ReadDir(workspace)
	if err == nil {
		var names []string
		for _, entry := range entries {
			name := entry.Name()
			if name == ".git" || name == ".gitignore" || name == "__pycache__" {
				continue
			}
			names = append(names, name)
		}
		if len(names) > 0 {
			sort.Strings(names)
			parts = append(parts, "\n## Workspace Contents\n- "+strings.Join(names, "\n- "))
		}
	}

	if len(parts) == 0 {
		return "Empty workspace"
	}
	return strings.Join(parts, "\n")
}

var planSection = regexp.MustCompile(`## Plan & Analysis\n\(Generated by planner\)`)

// UpdateReadmePlan replaces the plan placeholder with the planner output.
func (w *Workspaces) UpdateReadmePlan(workspace, plan string) {
	path := filepath.Join(workspace, "README.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		w.Log.Warn("workspace: readme missing", "path", path)
		return
	}
	content := planSection.ReplaceAllString(string(raw), "## Plan & Analysis\n"+plan)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		w.Log.Warn("workspace: readme plan update failed", "path", path, "error", err)
	}
}

var (
	statusHeading       = regexp.MustCompile(`## Status: \w+`)
	outstandingSection  = regexp.MustCompile(`(?s)## Outstanding Items\n(.*?)(##)`)
	recommendSection    = regexp.MustCompile(`(?s)## Recommendations\n(.*?)(##)`)
	executionSummaryHdr = "## Execution Summary"
)

// UpdateReadmeEvaluation rewrites the status heading and the
// outstanding/recommendation sections with the evaluator's findings.
func (w *Workspaces) UpdateReadmeEvaluation(workspace, status string, outstanding, recommendations []string) {
	path := filepath.Join(workspace, "README.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		w.Log.Warn("workspace: readme missing", "path", path)
		return
	}
	content := statusHeading.ReplaceAllString(string(raw), "## Status: "+status)
	content = outstandingSection.ReplaceAllString(content, "## Outstanding Items\n"+sectionBody(outstanding)+"$2")
	content = recommendSection.ReplaceAllString(content, "## Recommendations\n"+sectionBody(recommendations)+"$2")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		w.Log.Warn("workspace: readme evaluation update failed", "path", path, "error", err)
	}
}

func sectionBody(items []string) string {
	if len(items) == 0 {
		return "(None)\n\n"
	}
	return strings.Join(items, "\n") + "\n\n"
}

// AppendExecutionHistory records one run under the Execution Summary
// heading.
func (w *Workspaces) AppendExecutionHistory(workspace, status string, filesModified int, gitInfo string, elapsed time.Duration) {
	path := filepath.Join(workspace, "README.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	icon := "FAILED"
	if status == "completed" {
		icon = "OK"
	}
	entry := fmt.Sprintf("\n\n### Execution %s\n- Status: %s %s\n- Files Modified: %d\n- Duration: %ds",
		w.now().UTC().Format("2006-01-02 15:04:05"), icon, strings.ToUpper(status), filesModified, int(elapsed.Seconds()))
	if gitInfo != "" {
		entry += "\n- Git: " + gitInfo
	}

	content := strings.Replace(string(raw), executionSummaryHdr, executionSummaryHdr+entry+"\n\n"+executionSummaryHdr, 1)
	os.WriteFile(path, []byte(content), 0o644)
}
