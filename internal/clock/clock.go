// Package clock does minute-of-day arithmetic for work windows and slots.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Minutes counts minutes since local midnight.
type Minutes int

const Day Minutes = 24 * 60

// Parse reads "H:MM" or "HH:MM".
func Parse(s string) (Minutes, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q: hour out of range", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q: minute out of range", s)
	}
	return Minutes(h*60 + m), nil
}

func (m Minutes) String() string {
	m = ((m % Day) + Day) % Day
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// Of returns the minute of day of t in t's location.
func Of(t time.Time) Minutes {
	return Minutes(t.Hour()*60 + t.Minute())
}

// Midnight returns the start of t's day in t's location.
func Midnight(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// At returns the instant on day's date at minute m.
func At(day time.Time, m Minutes) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, int(m)/60, int(m)%60, 0, 0, day.Location())
}

// Ceil rounds t up to the next multiple of step counted from local midnight.
// A t already on a boundary is returned unchanged.
func Ceil(t time.Time, step time.Duration) time.Time {
	if step <= 0 {
		return t
	}
	mid := Midnight(t)
	off := t.Sub(mid)
	rem := off % step
	if rem == 0 {
		return t
	}
	return mid.Add(off - rem + step)
}

// Window is an inclusive minute-of-day interval. Start > End wraps past midnight.
type Window struct {
	Start Minutes
	End   Minutes
}

// ParseWindow reads "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q: expected HH:MM-HH:MM", s)
	}
	return NewWindow(start, end)
}

func NewWindow(start, end string) (Window, error) {
	s, err := Parse(start)
	if err != nil {
		return Window{}, err
	}
	e, err := Parse(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

func (w Window) Wraps() bool {
	return w.Start > w.End
}

func (w Window) Contains(m Minutes) bool {
	if w.Start <= w.End {
		return m >= w.Start && m <= w.End
	}
	return m >= w.Start || m <= w.End
}

// ContainsTime reports whether t's minute of day lies in w.
func (w Window) ContainsTime(t time.Time) bool {
	return w.Contains(Of(t))
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}
