// Package usage reads the live plan-usage state of the external agent CLI.
package usage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Reading is one parsed observation of the plan usage state.
type Reading struct {
	UsedPercent   float64   `json:"used_percent"`
	MessagesUsed  int       `json:"messages_used"`
	MessageLimit  int       `json:"message_limit"`
	ResetTime     time.Time `json:"reset_time"`
	CheckedAt     time.Time `json:"checked_at"`
	FromFallback  bool      `json:"from_fallback,omitempty"`
}

// Checker answers "how much of the plan is used right now".
type Checker interface {
	Check(ctx context.Context) (*Reading, error)
	// ShouldPause never reports an error as a pause: parse failures
	// return (false, nil).
	ShouldPause(ctx context.Context, thresholdPercent float64) (bool, *time.Time)
}

const (
	defaultCacheTTL    = 60 * time.Second
	defaultReadWindow  = 5 * time.Second
	escalationStepWait = 2 * time.Second
	fallbackResetDelay = 5 * time.Hour
)

// ProPlanChecker shells out to the usage command (for example
// "claude /usage"), which may render as a TUI. It prefers a pseudo-terminal
// so the CLI agrees to emit output, bounds the read window, and escalates
// politely when the child lingers.
type ProPlanChecker struct {
	Command          string
	CacheTTL         time.Duration
	PlanMessageLimit int
	Log              *slog.Logger

	// run is swappable in tests; defaults to the PTY runner with a
	// pipe fallback.
	run func(ctx context.Context, command string) (string, error)

	mu       sync.Mutex
	cached   *Reading
	cachedAt time.Time
	now      func() time.Time
}

// NewProPlanChecker builds a checker for the given usage command.
func NewProPlanChecker(command string) *ProPlanChecker {
	c := &ProPlanChecker{
		Command:          command,
		CacheTTL:         defaultCacheTTL,
		PlanMessageLimit: DefaultPlanMessageLimit,
		Log:              slog.Default(),
		now:              time.Now,
	}
	c.run = c.runCommand
	return c
}

// Check returns the current reading, served from a 60 s cache when fresh.
func (c *ProPlanChecker) Check(ctx context.Context) (*Reading, error) {
	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < c.CacheTTL {
		cached := *c.cached
		c.mu.Unlock()
		return &cached, nil
	}
	c.mu.Unlock()

	raw, err := c.run(ctx, c.Command)
	if err != nil {
		c.Log.Warn("usage: command failed", "command", c.Command, "error", err)
	}

	reading, ok := c.parse(raw)
	if !ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cached != nil {
			c.Log.Debug("usage: no usable output, serving stale cache")
			cached := *c.cached
			return &cached, nil
		}
		// Conservative default: assume nothing used, reset far out.
		fallback := &Reading{
			UsedPercent:  0,
			MessagesUsed: 0,
			MessageLimit: c.planLimit(),
			ResetTime:    c.now().Add(fallbackResetDelay),
			CheckedAt:    c.now(),
			FromFallback: true,
		}
		return fallback, nil
	}

	c.mu.Lock()
	c.cached = reading
	c.cachedAt = c.now()
	c.mu.Unlock()

	c.Log.Debug("usage: reading",
		"percent", reading.UsedPercent,
		"used", reading.MessagesUsed,
		"limit", reading.MessageLimit,
		"reset", reading.ResetTime)
	return reading, nil
}

// ShouldPause reports whether usage crossed the threshold. Errors never
// pause the scheduler.
func (c *ProPlanChecker) ShouldPause(ctx context.Context, thresholdPercent float64) (bool, *time.Time) {
	reading, err := c.Check(ctx)
	if err != nil || reading == nil {
		return false, nil
	}
	if reading.UsedPercent >= thresholdPercent {
		reset := reading.ResetTime
		return true, &reset
	}
	return false, nil
}

func (c *ProPlanChecker) planLimit() int {
	if c.PlanMessageLimit > 0 {
		return c.PlanMessageLimit
	}
	return DefaultPlanMessageLimit
}

func (c *ProPlanChecker) parse(raw string) (*Reading, bool) {
	text := CleanOutput(raw)
	used, limit, percent, ok := ParseCounts(text, c.planLimit())
	if !ok {
		return nil, false
	}
	reset, ok := ParseResetTime(text, c.now())
	if !ok {
		reset = c.now().Add(fallbackResetDelay)
	}
	return &Reading{
		UsedPercent:  percent,
		MessagesUsed: used,
		MessageLimit: limit,
		ResetTime:    reset,
		CheckedAt:    c.now(),
	}, true
}

// runCommand executes the usage command under a PTY, falling back to plain
// pipes when no PTY can be allocated.
func (c *ProPlanChecker) runCommand(ctx context.Context, command string) (string, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", fmt.Errorf("empty usage command")
	}

	out, err := c.runPTY(ctx, parts)
	if err == nil {
		return out, nil
	}
	c.Log.Debug("usage: pty run failed, falling back to pipes", "error", err)
	return c.runPiped(ctx, parts)
}

func (c *ProPlanChecker) runPTY(ctx context.Context, parts []string) (string, error) {
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	output := c.readUntilSentinel(ctx, ptmx)
	c.terminate(cmd, ptmx, done)
	return output, nil
}

// readUntilSentinel drains the PTY for up to the read window, returning
// early once both usage and reset markers have appeared.
func (c *ProPlanChecker) readUntilSentinel(ctx context.Context, ptmx *os.File) string {
	deadline := c.now().Add(defaultReadWindow)
	var out strings.Builder

	chunks := make(chan []byte, 16)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				default:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out.String()
		}
		select {
		case <-ctx.Done():
			return out.String()
		case chunk, ok := <-chunks:
			if !ok {
				return out.String()
			}
			out.Write(chunk)
			text := out.String()
			if strings.Contains(text, "Resets") && strings.Contains(text, "% used") {
				return text
			}
		case <-time.After(remaining):
			return out.String()
		}
	}
}

// terminate walks the escalation ladder: ESC keystroke, SIGINT, SIGTERM,
// SIGKILL, waiting up to two seconds between steps. The child must never
// leak.
func (c *ProPlanChecker) terminate(cmd *exec.Cmd, ptmx io.Writer, done <-chan error) {
	if exited(done, 0) {
		return
	}

	ptmx.Write([]byte{0x1b})
	if exited(done, escalationStepWait) {
		return
	}

	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGINT)
	}
	if exited(done, escalationStepWait) {
		return
	}

	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	if exited(done, escalationStepWait) {
		return
	}

	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	exited(done, escalationStepWait)
}

func exited(done <-chan error, wait time.Duration) bool {
	if wait == 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	select {
	case <-done:
		return true
	case <-time.After(wait):
		return false
	}
}

func (c *ProPlanChecker) runPiped(ctx context.Context, parts []string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, defaultReadWindow)
	defer cancel()

	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) == 0 {
		return "", fmt.Errorf("run %s: %w", parts[0], err)
	}
	return string(out), nil
}
