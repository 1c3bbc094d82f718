package calendar_test

import (
	"strings"
	"testing"
	"time"

	"foreman/internal/calendar"
	"foreman/internal/clock"
	"foreman/internal/domain"
)

func newCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	c, err := calendar.New(calendar.Settings{
		WorkHours:  "06:00-22:00",
		Curfew:     "21:00-07:00",
		QuietTasks: []string{"forge"},
		Holidays:   []string{"2026-12-25"},
	})
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}
	return c
}

func at(day, hh, mm int) time.Time {
	return time.Date(2026, 3, day, hh, mm, 0, 0, time.UTC)
}

func TestQuietTaskBlockedDuringCurfewThenAllowed(t *testing.T) {
	c := newCalendar(t)
	now := at(2, 21, 30)
	d := c.Evaluate(calendar.Request{Now: now, BlueprintID: "forge"})
	if d.Allowed {
		t.Fatalf("quiet task allowed during curfew")
	}
	if !d.EnforcedSilent || !strings.Contains(d.Reason, "curfew") {
		t.Fatalf("decision = %+v", d)
	}
	if d.NextTime.IsZero() {
		t.Fatalf("expected next time")
	}
	again := c.Evaluate(calendar.Request{Now: d.NextTime, BlueprintID: "forge"})
	if !again.Allowed {
		t.Fatalf("next time %v not allowed: %+v", d.NextTime, again)
	}
	if d.NextTime.Before(at(3, 7, 0)) {
		t.Fatalf("next time %v still inside curfew", d.NextTime)
	}
}

func TestLoudTaskIgnoresCurfew(t *testing.T) {
	c := newCalendar(t)
	if d := c.Evaluate(calendar.Request{Now: at(2, 21, 30), BlueprintID: "tree"}); !d.Allowed {
		t.Fatalf("loud task blocked: %+v", d)
	}
	if d := c.Evaluate(calendar.Request{Now: at(2, 21, 30), BlueprintID: "tree", Silent: true}); d.Allowed {
		t.Fatalf("silent flag should make the task quiet")
	}
}

func TestOutsideWorkHours(t *testing.T) {
	c := newCalendar(t)
	d := c.Evaluate(calendar.Request{Now: at(2, 23, 0)})
	if d.Allowed || !strings.Contains(d.Reason, "work hours") {
		t.Fatalf("decision = %+v", d)
	}
	if !d.NextTime.Equal(at(3, 6, 0)) {
		t.Fatalf("next time = %v", d.NextTime)
	}
}

func TestTaskWindowOverridesWorkHoursAndWraps(t *testing.T) {
	c := newCalendar(t)
	w, _ := clock.ParseWindow("23:00-01:00")
	if d := c.Evaluate(calendar.Request{Now: at(2, 23, 30), Window: &w}); !d.Allowed {
		t.Fatalf("inside wrapped window blocked: %+v", d)
	}
	d := c.Evaluate(calendar.Request{Now: at(2, 12, 0), Window: &w})
	if d.Allowed || !d.NextTime.Equal(at(2, 23, 0)) {
		t.Fatalf("decision = %+v", d)
	}
}

func TestHolidayBlocksUntilSameTimeNextDay(t *testing.T) {
	c := newCalendar(t)
	now := time.Date(2026, 12, 25, 10, 15, 0, 0, time.UTC)
	d := c.Evaluate(calendar.Request{Now: now})
	if d.Allowed || !strings.Contains(d.Reason, "holiday") {
		t.Fatalf("decision = %+v", d)
	}
	if !d.NextTime.Equal(now.AddDate(0, 0, 1)) {
		t.Fatalf("next time = %v", d.NextTime)
	}
}

func TestResolveDeadline(t *testing.T) {
	c := newCalendar(t)
	now := at(2, 18, 0)
	two := 2.0
	half := 0.5
	cases := []struct {
		name string
		d    *domain.Deadline
		want time.Time
	}{
		{"nil", nil, time.Time{}},
		{"later today", &domain.Deadline{AtClock: "20:00"}, at(2, 20, 0)},
		{"passed rolls", &domain.Deadline{AtClock: "09:00"}, at(3, 9, 0)},
		{"in days", &domain.Deadline{InDays: &two}, at(4, 18, 0)},
		{"fractional", &domain.Deadline{InDays: &half}, at(3, 6, 0)},
		{"both", &domain.Deadline{AtClock: "09:00", InDays: &two}, at(4, 9, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.ResolveDeadline(now, tc.d); !got.Equal(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
	d := c.Evaluate(calendar.Request{Now: now, Deadline: &domain.Deadline{AtClock: "20:00"}})
	if !d.DeadlineAt.Equal(at(2, 20, 0)) {
		t.Fatalf("decision deadline = %v", d.DeadlineAt)
	}
}

func TestAlignToNextSlot(t *testing.T) {
	c := newCalendar(t)
	cases := []struct {
		in, want time.Time
	}{
		{at(2, 9, 10), at(2, 9, 30)},
		{at(2, 9, 30), at(2, 9, 30)},
		{at(2, 20, 50), at(3, 7, 30)},
	}
	for _, tc := range cases {
		if got := c.AlignToNextSlot(tc.in); !got.Equal(tc.want) {
			t.Fatalf("align %v = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	if _, err := calendar.New(calendar.Settings{WorkHours: "9-5"}); err == nil {
		t.Fatalf("expected work hours error")
	}
	if _, err := calendar.New(calendar.Settings{Holidays: []string{"12/25"}}); err == nil {
		t.Fatalf("expected holiday error")
	}
}
