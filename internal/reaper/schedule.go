package reaper

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule — раз в минуту.
const DefaultSchedule = "* * * * *"

// cronParser — стандартные пять полей плюс дескрипторы (@every 30s).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule разбирает cron-выражение расписания обхода.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// ValidateSchedule проверяет cron-выражение.
func ValidateSchedule(expr string) error {
	_, err := ParseSchedule(expr)
	return err
}

// nextSweep — следующее время обхода в UTC.
func nextSweep(schedule cron.Schedule, from time.Time) time.Time {
	return schedule.Next(from).UTC()
}
