package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron is a parsed five-field cron expression: minute, hour, day of month,
// month and day of week. Day of week runs 0-6 from Sunday, 7 is also Sunday.
// As in classic cron, when both day fields are restricted a time matches if
// either one does. Times are evaluated in the location of the time passed in.
type Cron struct {
	expr  string
	sched cron.Schedule
}

func ParseCron(expr string) (*Cron, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron %q: expected 5 fields, got %d", expr, len(parts))
	}
	parts[4] = foldSunday(parts[4])

	sched, err := cron.ParseStandard(strings.Join(parts, " "))
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	return &Cron{expr: strings.Join(strings.Fields(expr), " "), sched: sched}, nil
}

// foldSunday rewrites 7 in the day-of-week field as 0.
func foldSunday(field string) string {
	items := strings.Split(field, ",")
	for i, item := range items {
		if item == "7" {
			items[i] = "0"
			continue
		}
		lo, hi, ok := strings.Cut(item, "-")
		if !ok || hi != "7" {
			continue
		}
		if lo == "7" {
			items[i] = "0"
		} else {
			items[i] = lo + "-6,0"
		}
	}
	return strings.Join(items, ",")
}

func (c *Cron) String() string { return c.expr }

// Match reports whether t, truncated to the minute, is a firing time.
func (c *Cron) Match(t time.Time) bool {
	t = t.Truncate(time.Minute)
	return c.sched.Next(t.Add(-time.Minute)).Equal(t)
}

// Next returns the first firing time strictly after t, or the zero time if
// none exists within five years.
func (c *Cron) Next(t time.Time) time.Time {
	return c.sched.Next(t)
}
