package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KorszunKarol/go-distort/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_rx", snap.FramesRx,
					"frames_tx", snap.FramesTx,
					"malformed", snap.Malformed,
					"promotions", snap.Promotions,
					"evictions", snap.Evictions,
					"workers", snap.Workers,
					"clients", snap.Clients,
					"heartbeats", snap.Heartbeats,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
