package sales

import (
	"strings"
	"testing"
	"time"
)

func TestNewDate_DerivedFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        time.Time
		month     int
		quarter   int
		dayOfWeek string
		week      int
	}{
		{time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), 3, 1, "Friday", 11},
		{time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), 1, 1, "Sunday", 52},
		{time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), 4, 2, "Monday", 14},
		{time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC), 9, 3, "Monday", 40},
		{time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), 12, 4, "Tuesday", 1},
	}
	for _, tt := range tests {
		d := NewDate(tt.in)
		if d.Month != tt.month || d.Quarter != tt.quarter || d.DayOfWeek != tt.dayOfWeek || d.WeekOfYear != tt.week {
			t.Fatalf("NewDate(%s) = month %d quarter %d dow %s week %d; want %d %d %s %d",
				tt.in.Format(DateLayout), d.Month, d.Quarter, d.DayOfWeek, d.WeekOfYear,
				tt.month, tt.quarter, tt.dayOfWeek, tt.week)
		}
		if d.Day != tt.in.Day() || d.Year != tt.in.Year() {
			t.Fatalf("NewDate(%s) day/year = %d/%d", tt.in.Format(DateLayout), d.Day, d.Year)
		}
	}
}

func TestNewDate_DropsClockAndZone(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+9", 9*3600)
	d := NewDate(time.Date(2024, 3, 15, 23, 30, 0, 0, loc))
	if got := d.Key(); got != "2024-03-15" {
		t.Fatalf("Key()=%q want 2024-03-15", got)
	}
	if d.Date.Hour() != 0 || d.Date.Location() != time.UTC {
		t.Fatalf("expected midnight UTC, got %s", d.Date)
	}
}

func TestRejection_Error(t *testing.T) {
	t.Parallel()

	r := Rejection{Line: 4, Reason: ReasonInvalidQuantity, Field: ColQuantity, Value: "abc", Detail: "not a number"}
	got := r.Error()
	for _, want := range []string{"line 4", "invalid_quantity", `Quantity="abc"`, "not a number"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Error()=%q missing %q", got, want)
		}
	}
}
