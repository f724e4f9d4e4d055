package gitops

import (
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	shsyntax "mvdan.cc/sh/v3/syntax"
)

// secretPatterns are matched against uppercased file content before a
// commit is allowed.
var secretPatterns = []string{
	"PRIVATE_KEY",
	"API_KEY",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"CREDENTIAL",
}

// ValidateChanges inspects files before committing. It rejects content
// that looks like plaintext credentials and source files that fail a
// quick syntax parse. The message lists every issue found.
func (m *Manager) ValidateChanges(workspace string, files []string) (bool, string) {
	var issues []string

	for _, file := range files {
		path := filepath.Join(workspace, file)

		if containsSecrets(path) {
			issues = append(issues, fmt.Sprintf("Potential secret in %s", file))
		}

		switch filepath.Ext(file) {
		case ".go":
			if !validGoSyntax(path) {
				issues = append(issues, fmt.Sprintf("Go syntax error in %s", file))
			}
		case ".sh", ".bash":
			if !validShellSyntax(path) {
				issues = append(issues, fmt.Sprintf("Shell syntax error in %s", file))
			}
		}
	}

	if len(issues) > 0 {
		return false, strings.Join(issues, "\n")
	}
	return true, "OK"
}

func containsSecrets(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	upper := strings.ToUpper(string(raw))
	for _, pattern := range secretPatterns {
		if strings.Contains(upper, pattern) {
			return true
		}
	}
	return false
}

func validGoSyntax(path string) bool {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, path, nil, 0)
	return err == nil
}

func validShellSyntax(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = shsyntax.NewParser().Parse(f, path)
	return err == nil
}
