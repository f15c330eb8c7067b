// services/windows.go
package services

import (
	"fmt"
	"time"

	"github.com/2bTwist/chally/models"
)

// LocalWindowUTC converts a wall-clock window on the given calendar day in
// zone tzName to concrete UTC instants.
//
//   - end <= start means the window spans midnight into the next day;
//     end == start exactly means a full 24 hours.
//   - Wall times falling in a DST spring-forward gap are normalized forward;
//     if that still inverts the window, the end is pushed one hour so
//     start < end always holds.
//   - Times in a fall-back overlap resolve to the first occurrence, which can
//     widen the realized UTC span by up to an hour versus the nominal
//     wall-clock duration. That is expected, not an error.
func LocalWindowUTC(year int, month time.Month, day int, start, end models.ClockTime, tzName string) (time.Time, time.Time, error) {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimezone, tzName)
	}

	startLocal := time.Date(year, month, day, start.Hour, start.Minute, 0, 0, loc)

	endDay := day
	if !end.After(start) {
		endDay++ // overnight window; end belongs to the next calendar day
	}
	endLocal := time.Date(year, month, endDay, end.Hour, end.Minute, 0, 0, loc)

	startUTC := startLocal.UTC()
	endUTC := endLocal.UTC()

	if !endUTC.After(startUTC) {
		// Last-resort fix for a window swallowed by a DST gap.
		endUTC = endUTC.Add(time.Hour)
	}
	return startUTC, endUTC, nil
}

// ParticipantWindowUTC resolves the governing timezone per the rule's scope
// and computes the UTC window for that day.
func ParticipantWindowUTC(year int, month time.Month, day int, rules models.Rules, participantTZ string) (time.Time, time.Time, error) {
	start, err := rules.TimeWindow.StartClock()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := rules.TimeWindow.EndClock()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return LocalWindowUTC(year, month, day, start, end, rules.GoverningTimezone(participantTZ))
}
