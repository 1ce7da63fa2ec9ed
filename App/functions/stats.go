package functions

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xaydras-2/containerNursery/App/metrics"
)

func (b *Backend) startStatsLocked() {
	if b.closed || b.statsCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.statsCancel = cancel
	b.loops.Add(1)
	go b.collectStats(ctx)
}

// collectStats feeds the primary container's CPU samples into the moving average
// for as long as the backend is running. A broken stream is resubscribed with
// exponential backoff until ctx ends.
func (b *Backend) collectStats(ctx context.Context) {
	defer b.loops.Done()

	bo := backoff.NewExponentialBackOff()
	for {
		samples, errs := b.runtime.Stats(ctx, b.name)
		for s := range samples {
			bo.Reset()
			b.mu.Lock()
			b.cpu.add(s)
			avg := b.cpu.value
			b.mu.Unlock()
			metrics.CPUAverage.WithLabelValues(b.name).Set(avg)
		}
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		logEvent := b.log.Warn().Dur("retry_in", wait)
		select {
		case err := <-errs:
			logEvent = logEvent.Err(err)
		default:
		}
		logEvent.Msg("Stats stream ended, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
