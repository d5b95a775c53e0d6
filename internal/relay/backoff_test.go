package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_DefaultSchedule(t *testing.T) {
	p := DefaultBackoffPolicy()

	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}, p.Schedule())
	assert.Equal(t, 62*time.Second, p.Total())
}

func TestBackoffPolicy_NonDecreasingAndCapped(t *testing.T) {
	policies := []BackoffPolicy{
		DefaultBackoffPolicy(),
		{Base: 3 * time.Second, Max: 20 * time.Second, MaxAttempts: 10},
		{Base: time.Millisecond, Max: 7 * time.Millisecond, MaxAttempts: 100},
		{Base: time.Minute, Max: time.Second, MaxAttempts: 3},
	}

	for _, p := range policies {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 200; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, p.Max, "attempt %d", attempt)
			assert.Positive(t, d)
			prev = d
		}
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{Base: 2 * time.Second, Max: 30 * time.Second, MaxAttempts: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 5, want: 30 * time.Second},
		{attempt: 64, want: 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffPolicy_Exhausted(t *testing.T) {
	p := DefaultBackoffPolicy()

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
	assert.Nil(t, BackoffPolicy{}.Schedule())
}
