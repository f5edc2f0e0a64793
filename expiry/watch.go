package expiry

import (
	"context"
	"time"
)

// Tick is one countdown re-evaluation delivered to a live display.
type Tick struct {
	Remaining Countdown
	Expired   bool
}

// Watch re-evaluates the deadline on a fixed interval and delivers the result
// until the deadline passes or ctx is cancelled. The first tick is delivered
// immediately. The returned channel is closed after the expired tick, or as
// soon as the consumer detaches via ctx; no timer outlives the channel.
func Watch(ctx context.Context, deadline time.Time, interval time.Duration) <-chan Tick {
	if interval <= 0 {
		interval = time.Minute
	}

	out := make(chan Tick, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			remaining, ok := Remaining(deadline, time.Now())
			tick := Tick{Remaining: remaining, Expired: !ok}
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
			if tick.Expired {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
