package models

import (
	"testing"
	"time"
)

func TestClockSession_SplitByDay(t *testing.T) {
	utc := func(d, h int) time.Time { return time.Date(2026, 10, d, h, 0, 0, 0, time.UTC) }
	yangon := time.FixedZone("MMT", 6*3600+1800)

	tests := []struct {
		name   string
		start  time.Time
		stop   time.Time
		pause  int64
		loc    *time.Location
		expect []DayShare
	}{
		{"same day", utc(13, 9), utc(13, 17), 0, time.UTC, []DayShare{{utc(13, 0), 480}}},
		{"three days", utc(13, 22), utc(15, 2), 0, time.UTC, []DayShare{{utc(13, 0), 120}, {utc(14, 0), 1440}, {utc(15, 0), 120}}},
		{"pause lands on the last day", utc(13, 22), utc(14, 2), 3600, time.UTC, []DayShare{{utc(13, 0), 120}, {utc(14, 0), 60}}},
		{"days follow the user timezone", utc(13, 20), utc(14, 20), 0, yangon, []DayShare{{utc(14, 0), 1290}, {utc(15, 0), 150}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop := tt.stop
			s := &ClockSession{StartedAt: tt.start, StoppedAt: &stop, AccumulatedPauseSeconds: tt.pause}
			got := s.SplitByDay(stop, tt.loc)
			if len(got) != len(tt.expect) {
				t.Fatalf("expected %d shares, got %+v", len(tt.expect), got)
			}
			total := 0
			for i, share := range got {
				if !share.Date.Equal(tt.expect[i].Date) || share.Minutes != tt.expect[i].Minutes {
					t.Fatalf("share %d: expected %+v, got %+v", i, tt.expect[i], share)
				}
				total += share.Minutes
			}
			if total != s.TotalMinutes(stop) {
				t.Fatalf("shares sum to %d, worked %d", total, s.TotalMinutes(stop))
			}
		})
	}
}
