package slots

import (
	"reflect"
	"testing"
	"time"
)

func TestSlots_SundayClosed(t *testing.T) {
	r := MustDefault()
	// Every Sunday of 2026.
	for d := time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC); d.Year() == 2026; d = d.AddDate(0, 0, 7) {
		if got := r.Slots(d); len(got) != 0 {
			t.Fatalf("Slots(%s) = %v, want empty", d.Format("2006-01-02"), got)
		}
		if !r.Closed(d) {
			t.Fatalf("Closed(%s) = false", d.Format("2006-01-02"))
		}
	}
}

func TestSlots_MondayToThursdayMorningThenAfternoon(t *testing.T) {
	r := MustDefault()
	want := []string{
		"09:00", "09:30", "10:00", "10:30", "11:00", "11:30", "12:00", "12:30",
		"14:00", "14:30", "15:00", "15:30", "16:00", "16:30", "17:00", "17:30", "18:00",
	}
	// 2026-02-16 is a Monday.
	for i := 0; i < 4; i++ {
		d := time.Date(2026, 2, 16+i, 0, 0, 0, 0, time.UTC)
		got := r.Slots(d)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Slots(%s) = %v, want %v", d.Weekday(), got, want)
		}
		for j := 1; j < len(got); j++ {
			if got[j] <= got[j-1] {
				t.Fatalf("slots not strictly increasing at %d: %v", j, got)
			}
		}
	}
}

func TestSlots_FridayAfternoonWindow(t *testing.T) {
	r, err := New(Config{
		Interval: 30,
		Windows: map[time.Weekday][]Window{
			time.Friday: {{Start: "14:00", End: "17:30"}},
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	got, err := r.SlotsForDate("2026-02-20")
	if err != nil {
		t.Fatalf("SlotsForDate error: %v", err)
	}
	want := []string{"14:00", "14:30", "15:00", "15:30", "16:00", "16:30", "17:00", "17:30"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("friday slots = %v, want %v", got, want)
	}
}

func TestSlots_SaturdayMorning(t *testing.T) {
	got, err := MustDefault().SlotsForDate("2026-02-21")
	if err != nil {
		t.Fatalf("SlotsForDate error: %v", err)
	}
	if len(got) != 8 || got[0] != "09:00" || got[7] != "12:30" {
		t.Fatalf("saturday slots = %v", got)
	}
}

func TestSlots_IntervalOverflowWrapsIntoHour(t *testing.T) {
	r, err := New(Config{
		Interval: 45,
		Windows: map[time.Weekday][]Window{
			time.Monday: {{Start: "09:30", End: "12:00"}},
		},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	got := r.Slots(time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC))
	want := []string{"09:30", "10:15", "11:00", "11:45"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("slots = %v, want %v", got, want)
	}
}

func TestIsSlot(t *testing.T) {
	r := MustDefault()
	cases := []struct {
		date, time string
		want       bool
	}{
		{"2026-02-21", "09:00", true},
		{"2026-02-21", "14:00", false},
		{"2026-02-20", "14:00", true},
		{"2026-02-20", "18:00", false},
		{"2026-02-22", "09:00", false},
		{"2026-02-16", "13:00", false},
		{"2026-02-16", "9:00", false},
		{"bad-date", "09:00", false},
	}
	for _, tc := range cases {
		if got := r.IsSlot(tc.date, tc.time); got != tc.want {
			t.Fatalf("IsSlot(%s, %s) = %v, want %v", tc.date, tc.time, got, tc.want)
		}
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cases := map[string]Config{
		"zero interval": {Interval: 0},
		"bad start": {Interval: 30, Windows: map[time.Weekday][]Window{
			time.Monday: {{Start: "9h", End: "12:00"}},
		}},
		"end before start": {Interval: 30, Windows: map[time.Weekday][]Window{
			time.Monday: {{Start: "12:00", End: "09:00"}},
		}},
		"overlap": {Interval: 30, Windows: map[time.Weekday][]Window{
			time.Monday: {{Start: "09:00", End: "12:00"}, {Start: "11:00", End: "13:00"}},
		}},
	}
	for name, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseWindows(t *testing.T) {
	got, err := ParseWindows(" 09:00-12:30, 14:00-18:00 ")
	if err != nil {
		t.Fatalf("ParseWindows error: %v", err)
	}
	want := []Window{{Start: "09:00", End: "12:30"}, {Start: "14:00", End: "18:00"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("windows = %v, want %v", got, want)
	}

	closed, err := ParseWindows("closed")
	if err != nil || closed != nil {
		t.Fatalf("ParseWindows(closed) = %v, %v", closed, err)
	}

	if _, err := ParseWindows("09:00"); err == nil {
		t.Fatalf("expected error for window without end")
	}
}
