package backoff

import (
	"testing"
	"time"
)

// TestScheduleDelay checks the default table, the doubling tail and the cap.
func TestScheduleDelay(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 5 * time.Second},
		{2, 15 * time.Second},
		{3, 30 * time.Second},
		{4, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := s.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

// TestScheduleDelay_custom verifies a custom table doubles from its last entry.
func TestScheduleDelay_custom(t *testing.T) {
	s := Schedule{Delays: []time.Duration{100 * time.Millisecond}, Cap: time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
	}
	for i, w := range want {
		if got := s.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

// TestScheduleDelay_zeroValue falls back to the defaults.
func TestScheduleDelay_zeroValue(t *testing.T) {
	var s Schedule
	if got := s.Delay(1); got != 5*time.Second {
		t.Errorf("zero Schedule Delay(1) = %v, want 5s", got)
	}
}

// TestScheduleDelay_capBelowTable clamps table entries too.
func TestScheduleDelay_capBelowTable(t *testing.T) {
	s := Schedule{Delays: DefaultDelays, Cap: 2 * time.Second}
	if got := s.Delay(2); got != 2*time.Second {
		t.Errorf("Delay(2) = %v, want 2s", got)
	}
}
