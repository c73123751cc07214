package coordinator

import (
	"context"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/metrics"
	"github.com/KorszunKarol/go-distort/internal/transport"
)

// startSweeper evicts peers whose last traffic is older than the dead window.
// The registry scan holds the lock; the eviction I/O (closing queues, the
// NEW_MAIN hand-off) happens here, after the lock is released.
func (c *Coordinator) startSweeper(ctx context.Context) {
	interval := c.heartbeat
	deadAfter := transport.DeadAfter(interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				workers, clients := c.Registry.Stale(deadAfter)
				for _, w := range workers {
					c.totalEvictions.Add(1)
					metrics.IncEviction()
					c.logger.Warn("worker_evicted", "class", w.Class,
						"addr", w.IP+":"+w.Port, "silent_for", w.SilentFor().Round(time.Millisecond))
					c.dropWorker(w, "heartbeat_timeout")
				}
				for _, cl := range clients {
					c.totalEvictions.Add(1)
					metrics.IncEviction()
					c.logger.Warn("client_evicted", "username", cl.Username,
						"silent_for", cl.SilentFor().Round(time.Millisecond))
					cl.Enqueue(frame.NewText(frame.TypeError, "heartbeat timeout"))
					c.Registry.RemoveClient(cl)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
