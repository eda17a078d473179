package reconnect

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// asBackOff adapts Policy to backoff.BackOff so the Agent driver's
// retry loop can be expressed against cenkalti/backoff/v5's interface,
// the same type the teacher's RunHubLoopWithReconnect drives
// (sdk/forward/hub.go), while the actual delay values still come from
// the pure, independently-tested Delay function rather than that
// library's own jitter/multiplier math.
type asBackOff struct {
	policy *Policy
}

// AsBackOff exposes policy through the backoff.BackOff interface.
func (p *Policy) AsBackOff() backoff.BackOff { return asBackOff{policy: p} }

func (b asBackOff) NextBackOff() time.Duration {
	return b.policy.NextDelay()
}

func (b asBackOff) Reset() {
	b.policy.Reset()
}

// Wait sleeps for the next backoff duration or returns ctx.Err() if the
// context is cancelled first, giving the driver's Reconnecting state a
// single cancellable wait point.
func Wait(ctx context.Context, b backoff.BackOff) error {
	timer := time.NewTimer(b.NextBackOff())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
