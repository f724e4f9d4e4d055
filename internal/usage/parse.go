package usage

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Plan message allowance used to estimate message counts when the CLI only
// reports a percentage. Display approximation only; gating always uses the
// percentage directly.
const DefaultPlanMessageLimit = 40

var (
	ansiCSIRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSCRe = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	ansiEscRe = regexp.MustCompile(`\x1b.`)

	percentUsedRe   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*used`)
	usedOfRe        = regexp.MustCompile(`(?i)used\s+(\d+)\s+of\s+(\d+)\s+messages`)
	messagesRatioRe = regexp.MustCompile(`(?i)messages:\s*(\d+)\s*/\s*(\d+)`)
	usedRemainRe    = regexp.MustCompile(`(?i)(\d+)\s+messages\s+used,\s*(\d+)\s+remaining`)

	resetClockRe = regexp.MustCompile(`(?i)(?:resets|next\s+reset:?)\s*(?:at\s+)?(\d{1,2}):(\d{2})(?::(\d{2}))?\s*(am|pm)?\s*(?:\(([^)]+)\)|(UTC|[A-Za-z_]+/[A-Za-z_]+))?`)
	resetRelRe   = regexp.MustCompile(`(?i)(?:resets\s+)?in\s+(?:(\d+)\s*h(?:ours?)?)?\s*(?:(\d+)\s*m(?:in(?:utes?)?)?)?`)
)

// CleanOutput strips ANSI/OSC escape sequences and non-printable characters
// from raw terminal output so the parsers see plain text.
func CleanOutput(raw string) string {
	s := ansiOSCRe.ReplaceAllString(raw, "")
	s = ansiCSIRe.ReplaceAllString(s, "")
	s = ansiEscRe.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || (r >= 0x20 && r != 0x7f) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseCounts extracts (used, limit, percent) from the cleaned output.
// Recognized formats, tried in order:
//
//	"61% used"
//	"used 28 of 40 messages"
//	"Messages: 28/40"
//	"28 messages used, 12 remaining"
func ParseCounts(text string, planLimit int) (used, limit int, percent float64, ok bool) {
	if planLimit <= 0 {
		planLimit = DefaultPlanMessageLimit
	}

	if m := percentUsedRe.FindStringSubmatch(text); m != nil {
		percent, _ = strconv.ParseFloat(m[1], 64)
		limit = planLimit
		used = int(math.Round(percent / 100 * float64(limit)))
		return used, limit, percent, true
	}
	if m := usedOfRe.FindStringSubmatch(text); m != nil {
		used, _ = strconv.Atoi(m[1])
		limit, _ = strconv.Atoi(m[2])
	} else if m := messagesRatioRe.FindStringSubmatch(text); m != nil {
		used, _ = strconv.Atoi(m[1])
		limit, _ = strconv.Atoi(m[2])
	} else if m := usedRemainRe.FindStringSubmatch(text); m != nil {
		used, _ = strconv.Atoi(m[1])
		remaining, _ := strconv.Atoi(m[2])
		limit = used + remaining
	} else {
		return 0, 0, 0, false
	}

	if limit > 0 {
		percent = 100 * float64(used) / float64(limit)
	}
	return used, limit, percent, true
}

// ParseResetTime extracts the next reset timestamp from the cleaned output.
// Clock-time forms pick today when still in the future, else tomorrow;
// relative forms add the offset to now.
func ParseResetTime(text string, now time.Time) (time.Time, bool) {
	if m := resetClockRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		second := 0
		if m[3] != "" {
			second, _ = strconv.Atoi(m[3])
		}
		switch strings.ToLower(m[4]) {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}

		loc := now.Location()
		zone := m[5]
		if zone == "" {
			zone = m[6]
		}
		if zone != "" {
			if l, err := time.LoadLocation(zone); err == nil {
				loc = l
			}
		}

		local := now.In(loc)
		reset := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, second, 0, loc)
		if !reset.After(local) {
			reset = reset.AddDate(0, 0, 1)
		}
		return reset.In(now.Location()), true
	}

	if m := resetRelRe.FindStringSubmatch(text); m != nil && (m[1] != "" || m[2] != "") {
		hours, _ := strconv.Atoi(m[1])
		minutes, _ := strconv.Atoi(m[2])
		return now.Add(time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute), true
	}

	return time.Time{}, false
}
