package omcp

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

// DefaultReconnectDelay is the fixed pause between two attempts to reopen a dropped stream.
const DefaultReconnectDelay = time.Second

// ReconnectPolicy decides how long the event pump waits before each attempt to reopen the
// stream. Attempts never stop, only the wait between them is configurable.
type ReconnectPolicy struct {
	newBackOff func() backoff.BackOff
}

// FixedReconnect waits the same delay before every attempt. A delay of zero or less is
// replaced by DefaultReconnectDelay.
func FixedReconnect(delay time.Duration) ReconnectPolicy {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return ReconnectPolicy{
		newBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		},
	}
}

// ExponentialReconnect starts at initial and doubles the delay up to max, with a little
// jitter so that many clients don't reconnect in lockstep. An initial delay of zero or less
// is replaced by DefaultReconnectDelay, max is raised to initial if it is below it.
func ExponentialReconnect(initial, max time.Duration) ReconnectPolicy {
	if initial <= 0 {
		initial = DefaultReconnectDelay
	}
	if max < initial {
		max = initial
	}
	return ReconnectPolicy{
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.Multiplier = 2
			b.RandomizationFactor = 0.1
			b.Reset()
			return b
		},
	}
}

func (r ReconnectPolicy) backOff() backoff.BackOff {
	if r.newBackOff == nil {
		return backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	return r.newBackOff()
}

// sleep waits for d on the given clock. It returns false if ctx ends first.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d < 0 {
		d = DefaultReconnectDelay
	}
	t := clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}
