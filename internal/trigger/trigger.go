// Package trigger converts a declarative delivery schedule into a concrete
// cron expression for the engine's timer. Building is pure: same schedule
// in, same expression out.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pushpilot/internal/automation"
)

// Policy defaults for recurring frequencies. Per-automation day selection is
// an extension point; the engine contract only needs fixed days.
const (
	weeklyDay  = 1 // Monday
	monthlyDay = 1 // 1st of month
)

// Build returns the cron expression whose firings start the delivery
// pipeline. The expression encodes the *pipeline start* time: the schedule's
// execution time minus its lead time.
//
// If the subtraction crosses midnight the fire time wraps to the previous
// day. For recurring schedules this means the pipeline runs the prior
// calendar day; that is long-standing behavior operators rely on, so it is
// kept rather than shifted.
func Build(s automation.Schedule) (string, error) {
	if expr := strings.TrimSpace(s.CronExpression); expr != "" {
		return expr, nil
	}

	h, m, err := parseHHMM(s.ExecutionTime)
	if err != nil {
		return "", fmt.Errorf("%w: %v", automation.ErrInvalidSchedule, err)
	}

	lead := s.LeadTimeMinutes
	if lead <= 0 {
		lead = automation.DefaultLeadTimeMinutes
	}

	// Minutes-since-midnight arithmetic with a 24h wrap.
	start := h*60 + m - lead
	if start < 0 {
		start += 24 * 60
	}
	fh, fm := start/60, start%60

	switch s.Frequency {
	case automation.FreqOnce:
		day, month, err := parseStartDate(s.StartDate)
		if err != nil {
			return "", fmt.Errorf("%w: %v", automation.ErrInvalidSchedule, err)
		}
		return fmt.Sprintf("%d %d %d %d *", fm, fh, day, month), nil
	case automation.FreqDaily:
		return fmt.Sprintf("%d %d * * *", fm, fh), nil
	case automation.FreqWeekly:
		return fmt.Sprintf("%d %d * * %d", fm, fh, weeklyDay), nil
	case automation.FreqMonthly:
		return fmt.Sprintf("%d %d %d * *", fm, fh, monthlyDay), nil
	default:
		return "", fmt.Errorf("%w: unsupported frequency %q", automation.ErrInvalidSchedule, s.Frequency)
	}
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func parseStartDate(raw string) (day int, month int, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, 0, fmt.Errorf("startDate is required for frequency=once")
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, perr := time.Parse(layout, raw); perr == nil {
			return t.Day(), int(t.Month()), nil
		}
	}
	return 0, 0, fmt.Errorf("invalid startDate %q", raw)
}
