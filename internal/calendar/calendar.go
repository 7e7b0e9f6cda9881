// Package calendar moves candidate send times into business hours.
package calendar

import (
	"fmt"
	"time"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/model"
)

// maxSteps bounds the adjust loop. A calendar that needs more than a year of
// day advances has no reachable working slot.
const maxSteps = 400

type clock struct {
	hour, minute int
}

func (c clock) seconds() int { return c.hour*3600 + c.minute*60 }

type Adjuster struct {
	enabled  bool
	loc      *time.Location
	working  [7]bool
	start    clock
	end      clock
	holidays map[string]struct{}
}

// New validates bh and builds an Adjuster. A calendar with no working day or
// an empty daily window is a configuration error.
func New(bh model.BusinessHours) (*Adjuster, error) {
	a := &Adjuster{enabled: bh.Enabled, loc: time.UTC, holidays: map[string]struct{}{}}
	if bh.Timezone != "" {
		loc, err := time.LoadLocation(bh.Timezone)
		if err != nil {
			return nil, appErrors.NewConfigError("unknown business hours timezone "+bh.Timezone, err)
		}
		a.loc = loc
	}
	if !bh.Enabled {
		return a, nil
	}

	for _, d := range bh.WorkingDays {
		if d < 0 || d > 6 {
			return nil, appErrors.NewConfigError(fmt.Sprintf("working day %d out of range 0..6", d), nil)
		}
		a.working[d] = true
	}
	hasWorking := false
	for _, w := range a.working {
		hasWorking = hasWorking || w
	}
	if !hasWorking {
		return nil, appErrors.NewConfigError("business hours define no working days", nil)
	}

	var err error
	if a.start, err = parseClock(bh.Start); err != nil {
		return nil, appErrors.NewConfigError("invalid business hours start", err)
	}
	if a.end, err = parseClock(bh.End); err != nil {
		return nil, appErrors.NewConfigError("invalid business hours end", err)
	}
	if a.start.seconds() >= a.end.seconds() {
		return nil, appErrors.NewConfigError(
			fmt.Sprintf("business hours start %s is not before end %s", bh.Start, bh.End), nil)
	}

	for _, h := range bh.Holidays {
		d, err := time.ParseInLocation("2006-01-02", h, a.loc)
		if err != nil {
			return nil, appErrors.NewConfigError("invalid holiday "+h, err)
		}
		a.holidays[d.Format("2006-01-02")] = struct{}{}
	}
	return a, nil
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, err
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}

// Adjust returns the earliest time at or after t that falls on a working,
// non-holiday day between start and end. Exactly end counts as inside the
// window. Adjusting an adjusted time returns it unchanged.
func (a *Adjuster) Adjust(t time.Time) (time.Time, error) {
	if !a.enabled {
		return t, nil
	}

	t = t.In(a.loc)
	for i := 0; i < maxSteps; i++ {
		y, m, d := t.Date()
		if _, ok := a.holidays[t.Format("2006-01-02")]; ok {
			t = t.AddDate(0, 0, 1)
			continue
		}
		if !a.working[t.Weekday()] {
			t = t.AddDate(0, 0, 1)
			continue
		}

		h, mi, sec := t.Clock()
		tod := h*3600 + mi*60 + sec
		switch {
		case tod < a.start.seconds():
			return a.at(y, m, d, a.start), nil
		case tod > a.end.seconds() || (tod == a.end.seconds() && t.Nanosecond() > 0):
			t = a.at(y, m, d+1, a.start)
			continue
		}
		return t, nil
	}
	return time.Time{}, appErrors.NewConfigError("business hours calendar has no reachable working slot", nil)
}

func (a *Adjuster) at(y int, m time.Month, d int, c clock) time.Time {
	return time.Date(y, m, d, c.hour, c.minute, 0, 0, a.loc)
}

// Location is the calendar's timezone. Day boundaries for per-day caps are
// taken in it.
func (a *Adjuster) Location() *time.Location { return a.loc }
