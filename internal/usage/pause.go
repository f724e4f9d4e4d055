package usage

import (
	"fmt"
	"time"
)

// PauseError signals that plan usage crossed the pause threshold while a
// task was running. Callers detect it with errors.As and suspend work
// until ResetTime instead of failing the task.
type PauseError struct {
	UsagePercent float64
	ResetTime    *time.Time
}

func (e *PauseError) Error() string {
	if e.ResetTime != nil {
		return fmt.Sprintf("plan usage limit reached at %.1f%%, resets %s",
			e.UsagePercent, e.ResetTime.Format(time.RFC3339))
	}
	return fmt.Sprintf("plan usage limit reached at %.1f%%", e.UsagePercent)
}
