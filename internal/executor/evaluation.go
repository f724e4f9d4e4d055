package executor

import (
	"regexp"
	"strings"
)

// Evaluation statuses extracted from the evaluator phase output.
const (
	StatusComplete   = "COMPLETE"
	StatusPartial    = "PARTIAL"
	StatusIncomplete = "INCOMPLETE"
	StatusEvalFailed = "FAILED"
)

// Evaluation is the structured view of the evaluator's free-form text.
type Evaluation struct {
	Text            string
	Status          string
	Outstanding     []string
	Recommendations []string
}

// ParseEvaluation extracts status, outstanding items, and
// recommendations from the evaluator output.
func ParseEvaluation(text string) Evaluation {
	return Evaluation{
		Text:            text,
		Status:          extractStatus(text),
		Outstanding:     extractSection(text, outstandingTrigger, true),
		Recommendations: extractSection(text, recommendTrigger, false),
	}
}

// extractStatus is keyword-based and permissive; ambiguous output
// defaults to PARTIAL.
func extractStatus(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "partial"):
		return StatusPartial
	case strings.Contains(lower, "incomplete") || strings.Contains(lower, "not completed"):
		return StatusIncomplete
	case strings.Contains(lower, "complete"):
		return StatusComplete
	case strings.Contains(lower, "failed") || strings.Contains(lower, "error"):
		return StatusEvalFailed
	default:
		return StatusPartial
	}
}

var (
	outstandingTrigger = regexp.MustCompile(`(?i)outstanding|incomplete|todo`)
	recommendTrigger   = regexp.MustCompile(`(?i)recommendation`)

	bulletLine   = regexp.MustCompile(`^\s*[-*]\s+`)
	checkboxLine = regexp.MustCompile(`^\s*\[\s*[xX ]?\s*\]\s+`)
	numberedLine = regexp.MustCompile(`^\s*\d+[.)]\s+`)
)

// extractSection collects list items that follow a trigger line. A blank
// line or a new heading ends the section. Checkboxes count only for the
// outstanding section, matching how evaluators format leftover work.
func extractSection(text string, trigger *regexp.Regexp, allowCheckbox bool) []string {
	var items []string
	inSection := false

	for _, line := range strings.Split(text, "\n") {
		if trigger.MatchString(line) {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case bulletLine.MatchString(line), numberedLine.MatchString(line):
			items = append(items, trimmed)
		case allowCheckbox && checkboxLine.MatchString(line):
			items = append(items, trimmed)
		case trimmed == "" || strings.HasPrefix(trimmed, "##"):
			inSection = false
		}
	}
	return items
}

// ItemText strips the leading list marker from an extracted item so it
// can seed a follow-up task description.
func ItemText(item string) string {
	s := bulletLine.ReplaceAllString(item, "")
	s = checkboxLine.ReplaceAllString(s, "")
	s = numberedLine.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
