package main

import (
	"testing"
	"time"
)

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		text       string
		want       time.Time
		wantAllDay bool
	}{
		{"2026-04-01", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), true},
		{"2026-04-01 08:30", time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC), false},
		{"2026-04-01T08:30", time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC), false},
		{"in 2 hours", now.Add(2 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, allDay, err := parseDue(tt.text, now)
			if err != nil {
				t.Fatalf("parseDue() failed: %v", err)
			}
			if !got.Equal(tt.want) || allDay != tt.wantAllDay {
				t.Errorf("parseDue() = %v, %v; want %v, %v", got, allDay, tt.want, tt.wantAllDay)
			}
		})
	}
}

func TestParseDue_Rejects(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for _, text := range []string{"", "   ", "purple elephant"} {
		if _, _, err := parseDue(text, now); err == nil {
			t.Errorf("parseDue(%q) should fail", text)
		}
	}
}
