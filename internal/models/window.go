package models

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// BulkYears is how far back a bulk historical query reaches.
const BulkYears = 3

// DateWindow bounds a historical query. Both dates are inclusive and only
// their calendar day is significant.
type DateWindow struct {
	From  time.Time
	Until time.Time
}

// IncrementalWindow returns the window ending yesterday and spanning days
// calendar days, so days=1 is just yesterday.
func IncrementalWindow(now time.Time, days int) DateWindow {
	if days < 1 {
		days = 1
	}
	until := truncateDay(now).AddDate(0, 0, -1)
	return DateWindow{
		From:  until.AddDate(0, 0, -(days - 1)),
		Until: until,
	}
}

// BulkWindow returns the window from three years ago up to today.
func BulkWindow(now time.Time) DateWindow {
	until := truncateDay(now)
	return DateWindow{
		From:  until.AddDate(-BulkYears, 0, 0),
		Until: until,
	}
}

// Validate checks that the window is usable for a query
func (w DateWindow) Validate() error {
	if w.From.IsZero() || w.Until.IsZero() {
		return fmt.Errorf("missing date")
	}

	from, until := truncateDay(w.From), truncateDay(w.Until)
	if from.After(until) {
		return fmt.Errorf("start date %s is after end date %s", w.FromString(), w.UntilString())
	}

	if until.After(from.AddDate(BulkYears, 0, 1)) {
		return fmt.Errorf("date range %s..%s exceeds maximum of %d years", w.FromString(), w.UntilString(), BulkYears)
	}

	return nil
}

// Days returns the number of calendar days covered.
func (w DateWindow) Days() int {
	from, until := truncateDay(w.From), truncateDay(w.Until)
	return int(until.Sub(from).Hours()/24+0.5) + 1
}

func (w DateWindow) FromString() string {
	return w.From.Format(dateLayout)
}

func (w DateWindow) UntilString() string {
	return w.Until.Format(dateLayout)
}

func (w DateWindow) String() string {
	return w.FromString() + ".." + w.UntilString()
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
