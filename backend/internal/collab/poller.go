package collab

import (
	"context"
	"time"
)

// poller runs poll once immediately and then again delay after each
// completed call, so requests never overlap.
type poller struct {
	delay time.Duration
	poll  func(ctx context.Context)
}

func (p poller) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		p.poll(ctx)
		timer.Reset(p.delay)
	}
}
