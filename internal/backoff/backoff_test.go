package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculator_Delay(t *testing.T) {
	c := Default()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 10, want: 512 * time.Second},
		{attempt: 12, want: 2048 * time.Second},
		{attempt: 13, want: time.Hour},
		{attempt: 5000, want: time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestCalculator_CalculateFromFixedBase(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Default()

	require.Equal(t, base.Add(time.Second), c.Calculate(1, base))
	require.Equal(t, base.Add(8*time.Second), c.Calculate(4, base))
}

func TestCalculator_ZeroBaseUsesNow(t *testing.T) {
	c := Calculator{BaseDelay: time.Minute, Multiplier: 2, MaxDelay: time.Hour}

	before := time.Now()
	got := c.Calculate(1, time.Time{})

	require.False(t, got.Before(before.Add(time.Minute)))
	require.True(t, got.Before(time.Now().Add(time.Minute+time.Second)))
}

func TestCalculator_Monotonic(t *testing.T) {
	base := time.Unix(0, 0)
	c := Calculator{BaseDelay: 250 * time.Millisecond, Multiplier: 3, MaxDelay: 10 * time.Minute}

	prev := c.Calculate(1, base)
	for n := 2; n <= 200; n++ {
		next := c.Calculate(n, base)
		require.False(t, next.Before(prev), "attempt %d went backwards", n)
		prev = next
	}
	require.Equal(t, base.Add(10*time.Minute), prev)
}

func TestCalculator_ZeroValueFallsBackToDefaults(t *testing.T) {
	var c Calculator
	assert.Equal(t, time.Second, c.Delay(1))
	assert.Equal(t, time.Hour, c.Delay(100))
}
