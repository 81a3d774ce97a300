package dispute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompute_NilPaidAt(t *testing.T) {
	st := Compute(nil, time.Now())

	assert.Equal(t, Window, st.Remaining)
	assert.False(t, st.CanDispute)
}

func TestCompute_WindowBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		elapsed       time.Duration
		wantRemaining time.Duration
		wantCan       bool
	}{
		{
			name:          "just marked",
			elapsed:       0,
			wantRemaining: Window,
			wantCan:       false,
		},
		{
			name:          "halfway through",
			elapsed:       1800 * time.Second,
			wantRemaining: 1800 * time.Second,
			wantCan:       false,
		},
		{
			name:          "one second before the window",
			elapsed:       3599 * time.Second,
			wantRemaining: time.Second,
			wantCan:       false,
		},
		{
			name:          "exactly at the window",
			elapsed:       3600 * time.Second,
			wantRemaining: 0,
			wantCan:       true,
		},
		{
			name:          "well past the window",
			elapsed:       3601 * time.Second,
			wantRemaining: 0,
			wantCan:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paidAt := now.Add(-tt.elapsed)
			st := Compute(&paidAt, now)

			assert.Equal(t, tt.wantRemaining, st.Remaining)
			assert.Equal(t, tt.wantCan, st.CanDispute)
		})
	}
}

func TestCompute_SubSecondElapsedFloors(t *testing.T) {
	now := time.Now()
	paidAt := now.Add(-1500 * time.Millisecond)

	st := Compute(&paidAt, now)

	// 1.5s elapsed floors to 1s, so a whole number of seconds remains.
	assert.Equal(t, Window-time.Second, st.Remaining)
	assert.False(t, st.CanDispute)
}

func TestCompute_Deterministic(t *testing.T) {
	now := time.Now()
	paidAt := now.Add(-42 * time.Second)

	first := Compute(&paidAt, now)
	second := Compute(&paidAt, now)

	assert.Equal(t, first, second)
}

func TestState_Clock(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      string
	}{
		{Window, "60:00"},
		{1800 * time.Second, "30:00"},
		{65 * time.Second, "01:05"},
		{9 * time.Second, "00:09"},
		{0, "00:00"},
	}

	for _, tt := range tests {
		st := State{Remaining: tt.remaining}
		assert.Equal(t, tt.want, st.Clock())
	}
}
