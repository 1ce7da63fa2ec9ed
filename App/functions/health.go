package functions

import (
	"context"
	"time"

	"github.com/xaydras-2/containerNursery/App/probe"
	"github.com/xaydras-2/containerNursery/App/structers"
)

// pollReadiness probes the upstream until it answers with a ready status, then
// switches the backend to running. Every attempt keeps the idle timer from firing.
func (b *Backend) pollReadiness(ctx context.Context) {
	defer b.loops.Done()

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	url := b.host.Target().URL().String()
	started := time.Now()
	attempts := 0

	for {
		b.mu.Lock()
		if ctx.Err() != nil || b.state != structers.AwaitingReady {
			b.mu.Unlock()
			return
		}
		b.resetIdleTimerLocked()
		b.mu.Unlock()

		attempts++
		probeCtx, cancel := context.WithTimeout(ctx, b.opts.ProbeTimeout)
		res, err := probe.Head(probeCtx, b.opts.ProbeClient, url)
		cancel()

		if err == nil && res.Ready() {
			b.markReady(ctx, res, attempts, time.Since(started))
			return
		}
		if err != nil {
			b.log.Trace().Err(err).Int("attempt", attempts).Msg("Backend not reachable yet")
		} else {
			b.log.Trace().Int("status", res.StatusCode).Int("attempt", attempts).Msg("Backend not ready yet")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Backend) markReady(ctx context.Context, res probe.Result, attempts int, waited time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || ctx.Err() != nil || b.state != structers.AwaitingReady {
		return
	}
	if b.pollCancel != nil {
		b.pollCancel()
		b.pollCancel = nil
	}

	b.log.Info().
		Int("status", res.StatusCode).
		Int("attempts", attempts).
		Dur("waited", waited).
		Dur("dns", res.DNS).
		Dur("connect", res.Connect).
		Dur("ttfb", res.TTFB).
		Msg("Backend ready")
	b.enterRunningLocked()
}

func (b *Backend) startHealthLoopLocked() {
	if b.closed || b.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.healthCancel = cancel
	b.loops.Add(1)
	go b.healthLoop(ctx)
}

// healthLoop catches a primary container that went away without an event.
func (b *Backend) healthLoop(ctx context.Context) {
	defer b.loops.Done()

	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.checkHealth(ctx)
		}
	}
}

func (b *Backend) checkHealth(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, b.opts.OperationTimeout)
	running, err := b.runtime.IsRunning(opCtx, b.name)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn().Err(err).Msg("Health check could not query primary container")
		}
		return
	}
	if running {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	switch b.state {
	case structers.AwaitingReady, structers.Running:
		b.log.Warn().Stringer("state", b.state).Msg("Primary container is not running")
		b.stopHostLocked("health")
	}
}
