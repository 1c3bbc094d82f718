package clock_test

import (
	"testing"
	"time"

	"foreman/internal/clock"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want clock.Minutes
		err  bool
	}{
		{"00:00", 0, false},
		{"9:05", 545, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"12", 0, true},
		{"ab:cd", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := clock.Parse(tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("Parse(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestWindowContains(t *testing.T) {
	day, _ := clock.ParseWindow("08:00-17:00")
	night, _ := clock.ParseWindow("22:00-06:00")
	cases := []struct {
		w    clock.Window
		at   string
		want bool
	}{
		{day, "08:00", true},
		{day, "17:00", true},
		{day, "17:01", false},
		{day, "07:59", false},
		{night, "23:30", true},
		{night, "02:00", true},
		{night, "06:00", true},
		{night, "12:00", false},
	}
	for _, tc := range cases {
		m, _ := clock.Parse(tc.at)
		if got := tc.w.Contains(m); got != tc.want {
			t.Fatalf("%s contains %s = %v, want %v", tc.w, tc.at, got, tc.want)
		}
	}
	if !night.Wraps() || day.Wraps() {
		t.Fatalf("wrap detection wrong")
	}
}

func TestCeil(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	if got := clock.Ceil(base, 30*time.Minute); !got.Equal(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("ceil 9:10 = %v", got)
	}
	on := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if got := clock.Ceil(on, 30*time.Minute); !got.Equal(on) {
		t.Fatalf("ceil on boundary moved: %v", got)
	}
	late := time.Date(2026, 3, 2, 23, 45, 0, 0, time.UTC)
	if got := clock.Ceil(late, 30*time.Minute); !got.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("ceil across midnight = %v", got)
	}
}

func TestAtAndString(t *testing.T) {
	day := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	got := clock.At(day, 17*60+30)
	if got.Hour() != 17 || got.Minute() != 30 || got.Day() != 2 {
		t.Fatalf("At = %v", got)
	}
	if s := clock.Minutes(65).String(); s != "01:05" {
		t.Fatalf("String = %q", s)
	}
}
