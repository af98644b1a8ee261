package market

import (
	"time"
	_ "time/tzdata"

	"github.com/scmhub/calendar"
)

// DefaultCalendarMIC is the exchange used when the provider window is unavailable.
const DefaultCalendarMIC = "xnys"

// CalendarFallback derives a regular session window from an exchange
// calendar: 09:30 to 16:00 exchange time on business days. Early closes are
// not modelled.
type CalendarFallback struct {
	cal *calendar.Calendar
	loc *time.Location

	openHour, openMinute   int
	closeHour, closeMinute int
}

// NewCalendarFallback loads the calendar for mic, falling back to xnys and
// finally to a weekday-only calendar in New York time.
func NewCalendarFallback(mic string) *CalendarFallback {
	if mic == "" {
		mic = DefaultCalendarMIC
	}
	cal := calendar.GetCalendar(mic)
	if cal == nil {
		cal = calendar.GetCalendar(DefaultCalendarMIC)
	}

	fb := &CalendarFallback{
		cal:         cal,
		openHour:    9,
		openMinute:  30,
		closeHour:   16,
		closeMinute: 0,
	}
	if cal != nil && cal.Loc != nil {
		fb.loc = cal.Loc
	} else if loc, err := time.LoadLocation("America/New_York"); err == nil {
		fb.loc = loc
	} else {
		fb.loc = time.UTC
	}
	return fb
}

// IsTradingDay reports whether the exchange trades on the local date of t.
func (c *CalendarFallback) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	if c.cal == nil {
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}
	return c.cal.IsBusinessDay(t)
}

// Window returns the session window of the exchange-local day containing now.
func (c *CalendarFallback) Window(now time.Time) Window {
	w := Window{Source: "calendar"}
	local := now.In(c.loc)
	if !c.IsTradingDay(local) {
		return w
	}
	y, m, d := local.Date()
	openAt := time.Date(y, m, d, c.openHour, c.openMinute, 0, 0, c.loc).UTC()
	closeAt := time.Date(y, m, d, c.closeHour, c.closeMinute, 0, 0, c.loc).UTC()
	w.Status = true
	w.OpenTime = &openAt
	w.CloseTime = &closeAt
	return w
}
