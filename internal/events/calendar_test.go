package events

import (
	"testing"
	"time"
)

func TestIsHolidayFixedDates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		date string
		want bool
	}{
		{"new years day", "2026-01-01", true},
		{"independence day", "2026-07-04", true},
		{"christmas", "2026-12-25", true},
		{"ordinary trading day", "2026-03-10", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := time.Parse("2006-01-02", tt.date)
			if err != nil {
				t.Fatalf("parsing date: %v", err)
			}
			if got := IsHoliday(d); got != tt.want {
				t.Errorf("IsHoliday(%s) = %v, want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestThanksgivingIsFourthThursday(t *testing.T) {
	t.Parallel()
	tg := thanksgiving(2026)
	if tg.Weekday() != time.Thursday {
		t.Errorf("thanksgiving weekday = %v, want Thursday", tg.Weekday())
	}
	if tg.Month() != time.November {
		t.Errorf("thanksgiving month = %v, want November", tg.Month())
	}
	if !IsHoliday(tg) {
		t.Error("thanksgiving date not recognized as holiday")
	}
}

func TestGoodFridayPrecedesEasterSunday(t *testing.T) {
	t.Parallel()
	gf := goodFriday(2026)
	if gf.Weekday() != time.Friday {
		t.Errorf("goodFriday weekday = %v, want Friday", gf.Weekday())
	}
}

func TestIsTradingHours(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}

	tests := []struct {
		name string
		time time.Time
		want bool
	}{
		{"during session", time.Date(2026, 3, 10, 10, 0, 0, 0, loc), true},
		{"before open", time.Date(2026, 3, 10, 9, 0, 0, 0, loc), false},
		{"after close", time.Date(2026, 3, 10, 16, 30, 0, 0, loc), false},
		{"on a saturday", time.Date(2026, 3, 14, 10, 0, 0, 0, loc), false},
		{"on independence day", time.Date(2026, 7, 4, 10, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTradingHours(tt.time, loc); got != tt.want {
				t.Errorf("IsTradingHours(%v) = %v, want %v", tt.time, got, tt.want)
			}
		})
	}
}
