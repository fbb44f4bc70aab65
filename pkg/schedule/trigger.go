// Package schedule fires consolidation runs for each time horizon on a
// calendar trigger and exposes the controls an operator needs around them.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
)

// ErrInvalidSchedule is returned when a textual schedule cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Disabled turns a horizon's scheduled runs off.
const Disabled = "disabled"

// Trigger is the parsed schedule of one horizon. Horizon selects which of
// the calendar fields apply:
//
//	daily     Hour, Minute
//	weekly    Weekday, Hour, Minute
//	monthly   Day, Hour, Minute
//	quarterly Day, Hour, Minute in January, April, July and October
//	yearly    Month, Day, Hour, Minute
type Trigger struct {
	Horizon horizon.Horizon
	Month   time.Month
	Weekday time.Weekday
	Day     int
	Hour    int
	Minute  int
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseTrigger parses the textual schedule for h. Accepted forms are
// "HH:MM" (daily), "DAY HH:MM" (weekly), "DD HH:MM" (monthly) and
// "MM-DD HH:MM" (quarterly and yearly). Quarterly schedules must name the
// first month of a quarter.
func ParseTrigger(h horizon.Horizon, expr string) (Trigger, error) {
	if !h.Valid() {
		return Trigger{}, fmt.Errorf("%w: %q", horizon.ErrUnknownHorizon, h)
	}
	fields := strings.Fields(expr)
	t := Trigger{Horizon: h}

	want := 2
	if h == horizon.Daily {
		want = 1
	}
	if len(fields) != want {
		return Trigger{}, invalid(h, expr, "wrong number of fields")
	}

	var err error
	t.Hour, t.Minute, err = parseClock(fields[len(fields)-1])
	if err != nil {
		return Trigger{}, invalid(h, expr, err.Error())
	}

	switch h {
	case horizon.Weekly:
		wd, ok := weekdays[strings.ToLower(fields[0])]
		if !ok {
			return Trigger{}, invalid(h, expr, "unknown weekday")
		}
		t.Weekday = wd
	case horizon.Monthly:
		t.Day, err = parseRange(fields[0], 1, 31, "day")
		if err != nil {
			return Trigger{}, invalid(h, expr, err.Error())
		}
	case horizon.Quarterly, horizon.Yearly:
		month, day, ok := strings.Cut(fields[0], "-")
		if !ok {
			return Trigger{}, invalid(h, expr, "expected MM-DD")
		}
		m, err := parseRange(month, 1, 12, "month")
		if err != nil {
			return Trigger{}, invalid(h, expr, err.Error())
		}
		t.Day, err = parseRange(day, 1, 31, "day")
		if err != nil {
			return Trigger{}, invalid(h, expr, err.Error())
		}
		if t.Day > daysIn(time.Month(m), 2024) {
			return Trigger{}, invalid(h, expr, "day out of range for month")
		}
		if h == horizon.Quarterly && (m-1)%3 != 0 {
			return Trigger{}, invalid(h, expr, "quarterly month must be 01, 04, 07 or 10")
		}
		t.Month = time.Month(m)
	}
	return t, nil
}

func invalid(h horizon.Horizon, expr, why string) error {
	return fmt.Errorf("%w: %s schedule %q: %s", ErrInvalidSchedule, h, expr, why)
}

func parseClock(s string) (int, int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, errors.New("expected HH:MM")
	}
	hour, err := parseRange(hh, 0, 23, "hour")
	if err != nil {
		return 0, 0, err
	}
	minute, err := parseRange(mm, 0, 59, "minute")
	if err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

func parseRange(s string, lo, hi int, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", name, s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s %d out of range [%d, %d]", name, n, lo, hi)
	}
	return n, nil
}

// String renders t back into its textual form.
func (t Trigger) String() string {
	clock := fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
	switch t.Horizon {
	case horizon.Weekly:
		return strings.ToUpper(t.Weekday.String()[:3]) + " " + clock
	case horizon.Monthly:
		return fmt.Sprintf("%02d %s", t.Day, clock)
	case horizon.Quarterly, horizon.Yearly:
		return fmt.Sprintf("%02d-%02d %s", int(t.Month), t.Day, clock)
	}
	return clock
}

// Next returns the first firing of t strictly after now, in now's location.
// Months lacking the trigger day are skipped, so "31 02:00" fires only in
// 31-day months and "02-29" only in leap years.
func Next(t Trigger, now time.Time) time.Time {
	loc := now.Location()
	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
	}

	switch t.Horizon {
	case horizon.Daily:
		c := at(now.Year(), now.Month(), now.Day())
		if !c.After(now) {
			c = at(now.Year(), now.Month(), now.Day()+1)
		}
		return c

	case horizon.Weekly:
		ahead := (int(t.Weekday) - int(now.Weekday()) + 7) % 7
		c := at(now.Year(), now.Month(), now.Day()+ahead)
		if !c.After(now) {
			c = at(now.Year(), now.Month(), now.Day()+ahead+7)
		}
		return c

	case horizon.Monthly, horizon.Quarterly:
		y, m := now.Year(), now.Month()
		for i := 0; i < 48; i++ {
			if t.Horizon == horizon.Monthly || (m-1)%3 == 0 {
				if t.Day <= daysIn(m, y) {
					if c := at(y, m, t.Day); c.After(now) {
						return c
					}
				}
			}
			m++
			if m > time.December {
				m = time.January
				y++
			}
		}

	case horizon.Yearly:
		for y := now.Year(); y <= now.Year()+8; y++ {
			if t.Day > daysIn(t.Month, y) {
				continue
			}
			if c := at(y, t.Month, t.Day); c.After(now) {
				return c
			}
		}
	}
	return time.Time{}
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
