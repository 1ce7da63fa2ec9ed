package functions

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xaydras-2/containerNursery/App/metrics"
	"github.com/xaydras-2/containerNursery/App/structers"
)

// startHostLocked starts the container group unless a start is already running.
// A start requested during a stop is replayed once the stop completes, and a stop
// event seen during a start is rechecked once the start completes.
func (b *Backend) startHostLocked(reason string) {
	if b.closed || b.startInFlight {
		return
	}
	if b.stopInFlight {
		b.restartPending = true
		return
	}

	b.startInFlight = true
	b.setStateLocked(structers.Starting)
	go b.startContainers(reason)
}

func (b *Backend) startContainers(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.OperationTimeout)
	defer cancel()

	b.log.Info().Str("reason", reason).Strs("containers", b.host.ContainerNames).Msg("Starting containers")
	started := time.Now()

	// 1. The primary is always started, secondaries only when they are down
	var g errgroup.Group
	g.Go(func() error {
		return b.runtime.Start(ctx, b.name)
	})
	for _, name := range b.host.Secondaries() {
		g.Go(func() error {
			if running, err := b.runtime.IsRunning(ctx, name); err == nil && running {
				return nil
			}
			return b.runtime.Start(ctx, name)
		})
	}
	err := g.Wait()

	// 2. Settle the state
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startInFlight = false
	stopPending := b.stopPending
	b.stopPending = false

	if err != nil {
		metrics.ContainerStarts.WithLabelValues(b.name, "error").Inc()
		b.log.Error().Err(fmt.Errorf("%w: %w", ErrRuntimeOperation, err)).Msg("Starting containers failed")
		if !b.closed {
			b.setStateLocked(structers.Stopped)
		}
		return
	}

	metrics.ContainerStarts.WithLabelValues(b.name, "ok").Inc()
	b.log.Info().Dur("took", time.Since(started)).Msg("Containers started, waiting for the application")
	if b.closed {
		return
	}
	b.enterAwaitingReadyLocked()

	if stopPending {
		// the container stopped while it was being started; check it again now
		b.loops.Add(1)
		go func() {
			defer b.loops.Done()
			b.handleEvent(structers.ContainerEvent{Container: b.name, Action: structers.EventStop})
		}()
	}
}

func (b *Backend) enterAwaitingReadyLocked() {
	b.setStateLocked(structers.AwaitingReady)
	b.resetIdleTimerLocked()
	b.startHealthLoopLocked()

	ctx, cancel := context.WithCancel(b.ctx)
	b.pollCancel = cancel
	b.loops.Add(1)
	go b.pollReadiness(ctx)
}

// enterRunningLocked switches traffic to the upstream and starts watching it.
func (b *Backend) enterRunningLocked() {
	b.setStateLocked(structers.Running)
	b.resetIdleTimerLocked()
	b.startHealthLoopLocked()
	b.startStatsLocked()
}

// stopHostLocked stops the container group. It is a no-op while a start or a stop
// is in flight.
func (b *Backend) stopHostLocked(reason string) {
	if b.closed || b.startInFlight || b.stopInFlight {
		return
	}

	b.stopInFlight = true
	b.restartPending = false
	b.stopPending = false
	b.setStateLocked(structers.Stopping)
	b.stopIdleTimerLocked()
	b.cancelLoopsLocked()
	go b.stopContainers(reason)
}

func (b *Backend) stopContainers(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.OperationTimeout)
	defer cancel()

	b.log.Info().Str("reason", reason).Strs("containers", b.host.ContainerNames).Msg("Stopping containers")

	var g errgroup.Group
	for _, name := range b.host.ContainerNames {
		g.Go(func() error {
			return b.runtime.Stop(ctx, name)
		})
	}
	err := g.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopInFlight = false
	if b.closed {
		return
	}

	if err != nil {
		// the group is presumably still up; the next idle expiry retries
		metrics.ContainerStops.WithLabelValues(b.name, "error").Inc()
		b.log.Error().Err(fmt.Errorf("%w: %w", ErrRuntimeOperation, err)).Msg("Stopping containers failed")
		b.restartPending = false
		b.enterRunningLocked()
		return
	}

	metrics.ContainerStops.WithLabelValues(b.name, reason).Inc()
	b.log.Info().Msg("Containers stopped")
	b.setStateLocked(structers.Stopped)

	if b.restartPending {
		b.restartPending = false
		b.startHostLocked("request during stop")
	}
}

// cancelLoopsLocked ends the readiness poll and the health and stats loops.
func (b *Backend) cancelLoopsLocked() {
	for _, cancel := range []*context.CancelFunc{&b.pollCancel, &b.healthCancel, &b.statsCancel} {
		if *cancel != nil {
			(*cancel)()
			*cancel = nil
		}
	}
}
