package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy is a bounded exponential backoff: Base doubles per attempt up to Max,
// and at most MaxAttempts retries are allowed (0 = unlimited).
type Policy struct {
	Base        time.Duration `yaml:"base" default:"500ms"`
	Max         time.Duration `yaml:"max" default:"30s"`
	MaxAttempts int           `yaml:"max_attempts" default:"8"`
	// Jitter removes up to half of each delay when true.
	Jitter bool `yaml:"jitter" default:"true"`
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 8, Jitter: true}
}

// Delay returns the wait before retry number attempt (1-based) and false once
// attempts are exhausted.
func (p Policy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	base := p.Base
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := p.Max
	if max < base {
		max = base
	}
	exp := base
	for i := 1; i < attempt && exp < max; i++ {
		exp *= 2
	}
	if exp > max {
		exp = max
	}
	if p.Jitter && exp > 1 {
		exp -= time.Duration(rand.Int63n(int64(exp) / 2))
	}
	return exp, true
}

// Wait sleeps for the delay of attempt. It returns false when attempts are
// exhausted or ctx is done.
func (p Policy) Wait(ctx context.Context, attempt int) bool {
	d, ok := p.Delay(attempt)
	if !ok {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Retry runs fn until it succeeds, the policy gives up, or ctx ends. The last
// error is returned. retryable may be nil (retry everything).
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if !p.Wait(ctx, attempt) {
			return err
		}
	}
}
