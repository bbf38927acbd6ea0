package pm

import (
	"time"

	"github.com/aquaops/aquaops/pkg/engine"
)

// maxShiftDays bounds how far a due date is pushed past exception days.
const maxShiftDays = 366

// Calendar answers whether PM work may be scheduled on a date.
type Calendar struct {
	fixed     map[string]bool
	recurring map[monthDay]bool
}

type monthDay struct {
	month time.Month
	day   int
}

// NewCalendar builds a calendar from a tenant's exceptions. Recurring
// exceptions repeat every year on the same month and day.
func NewCalendar(exceptions []engine.CalendarException) *Calendar {
	c := &Calendar{
		fixed:     make(map[string]bool),
		recurring: make(map[monthDay]bool),
	}
	for _, e := range exceptions {
		if e.Recurring {
			c.recurring[monthDay{e.Date.Month(), e.Date.Day()}] = true
		} else {
			c.fixed[e.Date.String()] = true
		}
	}
	return c
}

// IsException reports whether no PM may be scheduled on d.
func (c *Calendar) IsException(d engine.Date) bool {
	if c == nil {
		return false
	}
	return c.fixed[d.String()] || c.recurring[monthDay{d.Month(), d.Day()}]
}

// NextWorkingDay returns d, or the first later date that is not an exception.
func (c *Calendar) NextWorkingDay(d engine.Date) engine.Date {
	for i := 0; i < maxShiftDays && c.IsException(d); i++ {
		d = d.AddDays(1)
	}
	return d
}

// Window is the span in which a time-based occurrence may be generated.
type Window struct {
	// Due is the unshifted due date that cadence math advances from.
	Due engine.Date

	// Start is Due shifted forward past exception days. It is the
	// scheduled date of the occurrence.
	Start engine.Date

	// End is the last day of the window, inclusive.
	End engine.Date
}

// ComputeWindow returns the generation window of an occurrence due on due.
// The window is [start, due + tolerance], where start skips exception days.
// When the shift passes the tolerance end, the window ends on start.
func ComputeWindow(due engine.Date, toleranceDays int, cal *Calendar) Window {
	start := cal.NextWorkingDay(due)
	end := due.AddDays(toleranceDays)
	if start.After(end) {
		end = start
	}
	return Window{Due: due, Start: start, End: end}
}

// Contains reports whether today falls inside the window.
func (w Window) Contains(today engine.Date) bool {
	return !today.Before(w.Start) && !today.After(w.End)
}

// Missed reports whether the window closed before today.
func (w Window) Missed(today engine.Date) bool {
	return today.After(w.End)
}
