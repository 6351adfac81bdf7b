package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 6}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		got, ok := p.Delay(i + 1)
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, w, got, "attempt %d", i+1)
	}

	_, ok := p.Delay(7)
	assert.False(t, ok, "attempts beyond MaxAttempts must stop")
}

func TestDelayJitterStaysInRange(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 0, Jitter: true}
	for i := 0; i < 200; i++ {
		d, ok := p.Delay(3)
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestRetryStopsWhenExhausted(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 2}
	calls := 0
	boom := errors.New("boom")

	err := Retry(context.Background(), p, nil, func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "first try plus two retries")
}

func TestRetryNonRetryable(t *testing.T) {
	p := Policy{Base: time.Millisecond, MaxAttempts: 5}
	calls := 0
	fatal := errors.New("fatal")

	err := Retry(context.Background(), p, func(err error) bool { return !errors.Is(err, fatal) }, func(context.Context) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{Base: time.Hour, MaxAttempts: 1}
	assert.False(t, p.Wait(ctx, 1))
}
