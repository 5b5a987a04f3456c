package queue

import (
	"context"
	"time"

	"custodian/util/goroutine"
)

// RunReaper periodically reclaims expired leases until the context is
// canceled. Intended to run as one goroutine per process; running more is
// safe because reclamation removes the lease before requeueing.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration, recovery TaskRecovery) {
	defer goroutine.Recover("queue-reaper", q.logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.logger.Infow("Lease reaper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Lease reaper stopped")
			return
		case <-ticker.C:
			requeued, deadLettered, err := q.Reap(ctx, recovery)
			if err != nil {
				q.logger.Errorw("Lease reap failed", "error", err)
				continue
			}
			if requeued > 0 || deadLettered > 0 {
				q.logger.Infow("Lease reap complete",
					"requeued", requeued, "dead_lettered", deadLettered)
			}
			if _, err := q.Depth(ctx); err != nil {
				q.logger.Debugw("Failed to refresh queue depth", "error", err)
			}
		}
	}
}
