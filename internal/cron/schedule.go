// Package cron runs the service's periodic maintenance jobs.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Schedule is a parsed recurrence. Standard cron expressions, an optional
// leading seconds field, and descriptors such as "@hourly" or "@every 5m"
// are accepted.
type Schedule struct {
	Spec     string
	schedule cron.Schedule
}

// ParseSchedule parses a cron spec.
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, fmt.Errorf("schedule is required")
	}
	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return Schedule{Spec: spec, schedule: parsed}, nil
}

// Next returns the first activation after now. The zero time means never.
func (s Schedule) Next(now time.Time) time.Time {
	if s.schedule == nil {
		return time.Time{}
	}
	return s.schedule.Next(now)
}
