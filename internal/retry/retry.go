// Package retry re-runs optimistic read-modify-write loops that lost a
// version race.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds a retry loop. Delays double per attempt with up to 50%
// random jitter added.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// Default is the policy used for store version conflicts.
var Default = Policy{Attempts: 3, BaseDelay: 10 * time.Millisecond}

// OnConflict runs fn until it succeeds, fails with an error that does not
// match conflict, or the attempts run out. The last error is returned.
func (p Policy) OnConflict(ctx context.Context, conflict error, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, conflict) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if err := sleep(ctx, withJitter(delay)); err != nil {
			return err
		}
		delay *= 2
	}
	return err
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
