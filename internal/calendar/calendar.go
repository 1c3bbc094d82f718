// Package calendar decides when a task may run: work hours, curfew for quiet
// tasks, holidays and deadline resolution.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"foreman/internal/clock"
	"foreman/internal/domain"
)

const (
	ScanStep    = 15 * time.Minute
	ScanHorizon = 7 * 24 * time.Hour
	SlotSize    = 30 * time.Minute
)

const holidayLayout = "2006-01-02"

// Settings is the plain configuration the calendar is built from.
type Settings struct {
	WorkHours  string
	Curfew     string
	QuietTasks []string
	Holidays   []string
}

type Calendar struct {
	workHours *clock.Window
	curfew    *clock.Window
	quiet     map[string]bool
	holidays  map[string]bool
}

// Request is one evaluation. Window, when set, replaces the configured work hours.
type Request struct {
	Now         time.Time
	Window      *clock.Window
	Deadline    *domain.Deadline
	BlueprintID string
	Silent      bool
}

// Decision is the outcome of Evaluate. Zero times mean absent.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason,omitempty"`
	NextTime       time.Time `json:"next_time,omitempty"`
	EnforcedSilent bool      `json:"enforced_silent,omitempty"`
	DeadlineAt     time.Time `json:"deadline_at,omitempty"`
}

func New(s Settings) (*Calendar, error) {
	c := &Calendar{quiet: map[string]bool{}, holidays: map[string]bool{}}
	if strings.TrimSpace(s.WorkHours) != "" {
		w, err := clock.ParseWindow(s.WorkHours)
		if err != nil {
			return nil, fmt.Errorf("work_hours: %w", err)
		}
		c.workHours = &w
	}
	if strings.TrimSpace(s.Curfew) != "" {
		w, err := clock.ParseWindow(s.Curfew)
		if err != nil {
			return nil, fmt.Errorf("curfew: %w", err)
		}
		c.curfew = &w
	}
	for _, id := range s.QuietTasks {
		c.quiet[id] = true
	}
	for _, d := range s.Holidays {
		day, err := time.Parse(holidayLayout, strings.TrimSpace(d))
		if err != nil {
			return nil, fmt.Errorf("holiday %q: expected YYYY-MM-DD", d)
		}
		c.holidays[day.Format(holidayLayout)] = true
	}
	return c, nil
}

func (c *Calendar) IsQuiet(blueprintID string) bool {
	return blueprintID != "" && c.quiet[blueprintID]
}

func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[t.Format(holidayLayout)]
}

func (c *Calendar) InCurfew(t time.Time) bool {
	return c.curfew != nil && c.curfew.ContainsTime(t)
}

func (c *Calendar) InWorkHours(t time.Time) bool {
	return c.workHours == nil || c.workHours.ContainsTime(t)
}

// Evaluate checks holiday, then the window, then curfew for quiet tasks.
func (c *Calendar) Evaluate(req Request) Decision {
	quiet := req.Silent || c.IsQuiet(req.BlueprintID)
	d := Decision{
		EnforcedSilent: quiet,
		DeadlineAt:     c.ResolveDeadline(req.Now, req.Deadline),
	}
	if c.IsHoliday(req.Now) {
		d.Reason = "holiday " + req.Now.Format(holidayLayout)
		d.NextTime = req.Now.AddDate(0, 0, 1)
		return d
	}
	reason := c.blocked(req.Now, req.Window, quiet)
	if reason == "" {
		d.Allowed = true
		return d
	}
	d.Reason = reason
	d.NextTime = c.scan(req.Now, ScanStep, func(t time.Time) bool {
		return c.blocked(t, req.Window, quiet) == "" && !c.IsHoliday(t)
	})
	return d
}

func (c *Calendar) blocked(t time.Time, window *clock.Window, quiet bool) string {
	if window != nil {
		if !window.ContainsTime(t) {
			return "outside task window " + window.String()
		}
	} else if !c.InWorkHours(t) {
		return "outside work hours " + c.workHours.String()
	}
	if quiet && c.InCurfew(t) {
		return "quiet task during curfew " + c.curfew.String()
	}
	return ""
}

// scan steps forward from t until ok holds, giving up after ScanHorizon.
func (c *Calendar) scan(t time.Time, step time.Duration, ok func(time.Time) bool) time.Time {
	for off := step; off <= ScanHorizon; off += step {
		cand := t.Add(off)
		if ok(cand) {
			return cand
		}
	}
	return time.Time{}
}

// ResolveDeadline turns a deadline into an instant relative to now. A clock-only
// deadline that has already passed today rolls to tomorrow. With both parts the
// clock time applies on the day reached after InDays.
func (c *Calendar) ResolveDeadline(now time.Time, d *domain.Deadline) time.Time {
	if d == nil || (d.AtClock == "" && d.InDays == nil) {
		return time.Time{}
	}
	base := now
	if d.InDays != nil {
		base = now.Add(time.Duration(*d.InDays * float64(24*time.Hour)))
	}
	if d.AtClock == "" {
		return base
	}
	m, err := clock.Parse(d.AtClock)
	if err != nil {
		if d.InDays != nil {
			return base
		}
		return time.Time{}
	}
	at := clock.At(base, m)
	if d.InDays == nil && at.Before(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// AlignToNextSlot rounds t up to a slot boundary and moves forward slot by slot
// while the boundary falls on a holiday, outside work hours or inside curfew.
func (c *Calendar) AlignToNextSlot(t time.Time) time.Time {
	slot := clock.Ceil(t, SlotSize)
	if c.slotOpen(slot) {
		return slot
	}
	if next := c.scan(slot, SlotSize, c.slotOpen); !next.IsZero() {
		return next
	}
	return slot
}

func (c *Calendar) slotOpen(t time.Time) bool {
	return !c.IsHoliday(t) && c.InWorkHours(t) && !c.InCurfew(t)
}

// WindowOf converts a payload window into a clock window. Malformed windows are
// treated as absent.
func WindowOf(w *domain.Window) *clock.Window {
	if w == nil {
		return nil
	}
	cw, err := clock.NewWindow(w.Start, w.End)
	if err != nil {
		return nil
	}
	return &cw
}

// RequestFor builds the evaluation request for a queued payload.
func RequestFor(now time.Time, p domain.Payload) Request {
	s := p.Timing()
	req := Request{Now: now, Window: WindowOf(s.Window), Deadline: s.Deadline, Silent: s.Silent}
	if b, ok := p.(domain.Build); ok {
		req.BlueprintID = b.BlueprintID
	}
	return req
}
