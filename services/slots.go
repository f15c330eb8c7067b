// services/slots.go
package services

import (
	"fmt"
	"time"

	"github.com/2bTwist/chally/models"
)

// Slot is one open recurrence period for a participant: the canonical key
// (anchor date in ISO form) used to deduplicate submissions, plus the UTC
// window during which proof is accepted.
type Slot struct {
	Key         string    `json:"slot_key"`
	WindowStart time.Time `json:"window_start_utc"`
	WindowEnd   time.Time `json:"window_end_utc"`
}

// ComputeSlot resolves the slot open at nowUTC under the challenge rules and
// the participant's timezone, or nil when no slot is currently open
// (weekend under weekdays frequency, disallowed custom weekday, or nowUTC
// outside the window).
func ComputeSlot(nowUTC time.Time, rules models.Rules, participantTZ string) (*Slot, error) {
	tzName := rules.GoverningTimezone(participantTZ)
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tzName)
	}

	localNow := nowUTC.In(loc)
	anchor := dateOnly(localNow)

	switch rules.Frequency {
	case models.FrequencyWeekly:
		anchor = mondayOf(anchor)
	case models.FrequencyWeekdays:
		if mondayIndex(anchor.Weekday()) >= 5 {
			return nil, nil
		}
	case models.FrequencyCustom:
		if !rules.AllowsWeekday(mondayIndex(anchor.Weekday())) {
			return nil, nil
		}
	}

	winStart, winEnd, err := ParticipantWindowUTC(anchor.Year(), anchor.Month(), anchor.Day(), rules, participantTZ)
	if err != nil {
		return nil, err
	}
	if nowUTC.Before(winStart) || nowUTC.After(winEnd) {
		return nil, nil
	}

	return &Slot{
		Key:         anchor.Format("2006-01-02"),
		WindowStart: winStart,
		WindowEnd:   winEnd,
	}, nil
}

// dateOnly strips the time of day, keeping the calendar date as a UTC value
// usable for date arithmetic and formatting.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// mondayIndex maps time.Weekday to the rules' 0=Monday..6=Sunday convention.
func mondayIndex(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

func mondayOf(d time.Time) time.Time {
	return d.AddDate(0, 0, -mondayIndex(d.Weekday()))
}
