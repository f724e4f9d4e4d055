package usage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestCheckerParsesAndCaches(t *testing.T) {
	calls := 0
	c := NewProPlanChecker("fake /usage")
	c.run = func(ctx context.Context, command string) (string, error) {
		calls++
		return "61% used\nResets in 2h", nil
	}

	r, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.UsedPercent != 61 {
		t.Errorf("percent: got %v", r.UsedPercent)
	}
	if r.MessageLimit != DefaultPlanMessageLimit {
		t.Errorf("limit: got %d", r.MessageLimit)
	}

	// Second check within the TTL must not rerun the command.
	if _, err := c.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("command ran %d times, want 1 (cached)", calls)
	}
}

func TestCheckerFallsBackToCacheThenDefault(t *testing.T) {
	c := NewProPlanChecker("fake /usage")
	c.CacheTTL = 0 // force re-run every check
	healthy := true
	c.run = func(ctx context.Context, command string) (string, error) {
		if healthy {
			return "used 28 of 40 messages\nResets in 1h", nil
		}
		return "", fmt.Errorf("no tty")
	}

	first, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.MessagesUsed != 28 {
		t.Fatalf("used: got %d", first.MessagesUsed)
	}

	healthy = false
	stale, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stale.MessagesUsed != 28 {
		t.Errorf("expected stale cache reading, got %+v", stale)
	}

	// Fresh checker with nothing cached synthesizes the conservative default.
	empty := NewProPlanChecker("fake /usage")
	empty.run = func(ctx context.Context, command string) (string, error) {
		return "", fmt.Errorf("no tty")
	}
	def, err := empty.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if def.UsedPercent != 0 || !def.FromFallback {
		t.Errorf("expected fallback reading, got %+v", def)
	}
	if until := time.Until(def.ResetTime); until < 4*time.Hour {
		t.Errorf("fallback reset too soon: %v", until)
	}
}

func TestShouldPause(t *testing.T) {
	c := NewProPlanChecker("fake /usage")
	c.run = func(ctx context.Context, command string) (string, error) {
		return "90% used\nResets in 30m", nil
	}

	pause, reset := c.ShouldPause(context.Background(), 85)
	if !pause {
		t.Fatal("expected pause at 90% >= 85%")
	}
	if reset == nil || !reset.After(time.Now()) {
		t.Errorf("bad reset time: %v", reset)
	}

	below := NewProPlanChecker("fake /usage")
	below.run = func(ctx context.Context, command string) (string, error) {
		return "40% used\nResets in 30m", nil
	}
	if pause, _ := below.ShouldPause(context.Background(), 85); pause {
		t.Error("paused below threshold")
	}
}
