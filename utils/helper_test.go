package utils

import (
	"testing"
	"time"
	_ "time/tzdata"
)

func TestConvertToDate_UsesTimezone(t *testing.T) {
	// 2026-03-01 20:00 UTC is already March 2nd in Yangon (UTC+6:30).
	in := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	got := ConvertToDate(in, "Asia/Yangon")
	if DateKey(got) != "2026-03-02" {
		t.Fatalf("expected 2026-03-02, got %s", DateKey(got))
	}
	if got.Hour() != 0 || got.Minute() != 0 {
		t.Fatalf("expected midnight, got %s", got)
	}
}

func TestConvertToDate_UnknownZoneFallsBackToUTC(t *testing.T) {
	in := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	if got := DateKey(ConvertToDate(in, "Nowhere/Land")); got != "2026-03-01" {
		t.Fatalf("expected UTC date, got %s", got)
	}
}

func TestUniqueSlice_KeepsFirstOccurrenceOrder(t *testing.T) {
	got := UniqueSlice([]int{3, 1, 3, 2, 1})
	want := []int{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
