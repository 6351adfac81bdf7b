package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })

	assert.True(t, l.Allow("10.0.0.1", 2, 1))
	assert.True(t, l.Allow("10.0.0.1", 2, 1))
	assert.False(t, l.Allow("10.0.0.1", 2, 1))
	assert.True(t, l.Allow("10.0.0.2", 2, 1), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1", 2, 1))
	assert.False(t, l.Allow("10.0.0.1", 2, 1))
}

func TestLimiterForgetsIdleKeys(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewWithClock(func() time.Time { return now })

	l.Allow("10.0.0.1", 1, 1)
	l.Allow("10.0.0.2", 1, 1)
	assert.Equal(t, 2, l.Len())

	now = now.Add(idleAfter)
	assert.True(t, l.Allow("10.0.0.3", 1, 1))
	assert.Equal(t, 1, l.Len())
}
