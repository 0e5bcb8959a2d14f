package collab

import (
	"context"
	"time"
)

// heartbeat calls beat on a fixed period until ctx is cancelled. A slow
// beat delays the next tick; failed beats are not retried early.
type heartbeat struct {
	interval time.Duration
	beat     func(ctx context.Context)
}

func (h heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}
