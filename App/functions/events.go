package functions

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xaydras-2/containerNursery/App/structers"
)

// watchEvents follows the primary container's runtime events for the backend's
// lifetime, resubscribing with exponential backoff when the stream breaks.
func (b *Backend) watchEvents() {
	defer b.loops.Done()

	bo := backoff.NewExponentialBackOff()
	for {
		events, errs := b.runtime.Events(b.ctx, []string{b.name})
		for ev := range events {
			bo.Reset()
			b.handleEvent(ev)
		}
		if b.ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		logEvent := b.log.Warn().Dur("retry_in", wait)
		select {
		case err := <-errs:
			logEvent = logEvent.Err(err)
		default:
		}
		logEvent.Msg("Runtime event stream ended, resubscribing")

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (b *Backend) handleEvent(ev structers.ContainerEvent) {
	if ev.Container != b.name {
		return
	}

	switch ev.Action {
	case structers.EventStart:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		switch b.state {
		case structers.Stopped:
			b.log.Info().Msg("Primary container started outside the nursery")
			b.startHostLocked("runtime event")
		case structers.Stopping:
			b.restartPending = true
		}

	case structers.EventStop:
		// stop events of an earlier cycle can arrive after the container is back up
		ctx, cancel := context.WithTimeout(b.ctx, b.opts.OperationTimeout)
		running, err := b.runtime.IsRunning(ctx, b.name)
		cancel()
		if err == nil && running {
			b.log.Debug().Msg("Ignoring stop event, primary container is running")
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		switch b.state {
		case structers.Starting:
			b.stopPending = true
		case structers.AwaitingReady, structers.Running:
			b.log.Info().Msg("Primary container stopped outside the nursery")
			b.stopHostLocked("runtime event")
		}
	}
}
