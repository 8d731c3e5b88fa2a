// Package budget tracks daily request credits for metered providers.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExhausted is returned when the daily credit budget is spent
var ErrExhausted = errors.New("daily budget exhausted")

// ExhaustedError provides detailed information about budget exhaustion
type ExhaustedError struct {
	Provider string
	Used     int64
	Limit    int64
	ResetAt  time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted for %s: %d/%d credits used, resets at %s",
		e.Provider, e.Used, e.Limit, e.ResetAt.Format("2006-01-02 15:04 MST"))
}

// Unwrap makes errors.Is(err, ErrExhausted) hold
func (e *ExhaustedError) Unwrap() error {
	return ErrExhausted
}

// Tracker counts credits used per UTC day for one provider. A limit of zero
// disables the budget.
type Tracker struct {
	mu       sync.Mutex
	provider string
	limit    int64
	warnAt   float64 // fraction of limit that logs a warning, 0.8
	used     int64
	day      time.Time // start of the current UTC day
	warned   bool
	now      func() time.Time
}

// NewTracker creates a tracker for provider with a daily credit limit
func NewTracker(provider string, limit int64, warnAt float64) *Tracker {
	if warnAt <= 0 || warnAt > 1 {
		warnAt = 0.8
	}
	t := &Tracker{
		provider: provider,
		limit:    limit,
		warnAt:   warnAt,
		now:      time.Now,
	}
	t.day = dayStart(t.now())
	return t
}

func dayStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func (t *Tracker) rollLocked() {
	if today := dayStart(t.now()); today.After(t.day) {
		t.day = today
		t.used = 0
		t.warned = false
	}
}

// Consume takes n credits. It fails without consuming when fewer than n remain.
// warn is true the first time usage crosses the warning fraction in a day.
func (t *Tracker) Consume(n int64) (warn bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit <= 0 {
		return false, nil
	}
	t.rollLocked()
	if t.used+n > t.limit {
		return false, &ExhaustedError{
			Provider: t.provider,
			Used:     t.used,
			Limit:    t.limit,
			ResetAt:  t.day.Add(24 * time.Hour),
		}
	}
	t.used += n
	if !t.warned && float64(t.used) >= float64(t.limit)*t.warnAt {
		t.warned = true
		return true, nil
	}
	return false, nil
}

// Stats represents budget tracker statistics
type Stats struct {
	Provider  string    `json:"provider"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Stats returns the usage of the current day
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked()
	remaining := t.limit - t.used
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Provider:  t.provider,
		Limit:     t.limit,
		Used:      t.used,
		Remaining: remaining,
		ResetAt:   t.day.Add(24 * time.Hour),
	}
}
