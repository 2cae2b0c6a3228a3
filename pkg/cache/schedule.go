package cache

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency is how often a dashboard's cache is refreshed.
type Frequency string

const (
	Daily  Frequency = "DAILY"
	Weekly Frequency = "WEEKLY"
	Custom Frequency = "CUSTOM"
	Never  Frequency = "NEVER"
)

// Day is a weekday for WEEKLY schedules.
type Day string

const (
	Sun Day = "SUN"
	Mon Day = "MON"
	Tue Day = "TUE"
	Wed Day = "WED"
	Thu Day = "THU"
	Fri Day = "FRI"
	Sat Day = "SAT"
)

var dayOfWeek = map[Day]int{Sun: 0, Mon: 1, Tue: 2, Wed: 3, Thu: 4, Fri: 5, Sat: 6}

// Schedule is a recurrence descriptor.
type Schedule struct {
	Frequency Frequency `json:"frequency"`
	Hour      int       `json:"hour"`
	Minute    int       `json:"minute"`
	Day       Day       `json:"day,omitempty"`
	Timezone  string    `json:"timezone,omitempty"` // IANA name, empty means UTC
	Cron      string    `json:"cron,omitempty"`     // five-field expression, CUSTOM only
}

// Validate reports whether s is internally consistent.
func (s Schedule) Validate() error {
	switch s.Frequency {
	case Never:
		return nil
	case Daily, Weekly:
		if s.Hour < 0 || s.Hour > 23 {
			return fmt.Errorf("hour %d out of range 0-23", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("minute %d out of range 0-59", s.Minute)
		}
		if s.Frequency == Weekly {
			if _, ok := dayOfWeek[s.Day]; !ok {
				return fmt.Errorf("weekly schedule needs a day, got %q", s.Day)
			}
		}
	case Custom:
		if s.Cron == "" {
			return fmt.Errorf("custom schedule needs a cron expression")
		}
	default:
		return fmt.Errorf("unknown frequency %q", s.Frequency)
	}
	if _, err := s.parse(); err != nil {
		return err
	}
	return nil
}

// Spec renders s as a cron spec with a CRON_TZ prefix.
func (s Schedule) Spec() string {
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	var expr string
	switch s.Frequency {
	case Daily:
		expr = fmt.Sprintf("%d %d * * *", s.Minute, s.Hour)
	case Weekly:
		expr = fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, dayOfWeek[s.Day])
	case Custom:
		expr = s.Cron
	default:
		return ""
	}
	return "CRON_TZ=" + tz + " " + expr
}

func (s Schedule) parse() (cron.Schedule, error) {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", s.Timezone, err)
		}
	}
	sched, err := cron.ParseStandard(s.Spec())
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", s.Spec(), err)
	}
	return sched, nil
}

// Next returns the first fire time strictly after t. It reports false for
// NEVER and for invalid schedules.
func (s Schedule) Next(t time.Time) (time.Time, bool) {
	if s.Frequency == Never || s.Frequency == "" {
		return time.Time{}, false
	}
	sched, err := s.parse()
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(t)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// Due reports whether data computed at last should be recomputed by now.
func (s Schedule) Due(last, now time.Time) bool {
	next, ok := s.Next(last)
	return ok && !next.After(now)
}
