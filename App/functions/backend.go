package functions

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xaydras-2/containerNursery/App/config"
	"github.com/xaydras-2/containerNursery/App/metrics"
	"github.com/xaydras-2/containerNursery/App/probe"
	"github.com/xaydras-2/containerNursery/App/structers"
)

// Options tunes the timings every backend shares.
type Options struct {
	// Placeholder receives traffic while a backend is not ready.
	Placeholder structers.Target

	PollInterval     time.Duration
	ProbeTimeout     time.Duration
	HealthInterval   time.Duration
	OperationTimeout time.Duration

	ProbeClient *http.Client
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		Placeholder:      structers.Target{Scheme: "http", Host: config.PlaceholderHost, Port: config.PlaceholderPort},
		PollInterval:     config.ReadinessPollInterval,
		ProbeTimeout:     config.ReadinessProbeTimeout,
		HealthInterval:   config.HealthCheckInterval,
		OperationTimeout: config.RuntimeOperationTimeout,
		ProbeClient:      probe.Client,
	}
}

// Backend owns the lifecycle of one container group: it wakes the group on demand,
// tells the dispatcher where traffic goes, and stops the group once it is idle.
// All state is guarded by mu; runtime calls never run under it.
type Backend struct {
	host    structers.ProxyHost
	name    string
	runtime Runtime
	opts    Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu             sync.Mutex
	state          structers.State
	closed         bool
	active         map[*Activity]struct{}
	cpu            cpuAverage
	idleTimer      *time.Timer
	idleGen        uint64
	startInFlight  bool
	stopInFlight   bool
	restartPending bool
	stopPending    bool
	pollCancel     context.CancelFunc
	healthCancel   context.CancelFunc
	statsCancel    context.CancelFunc
}

// NewBackend queries the primary container, aligns the secondaries with it and
// subscribes to runtime events. A failed query is logged and the group is treated as
// stopped: the next request starts it, which is harmless if it was running.
func NewBackend(ctx context.Context, host structers.ProxyHost, runtime Runtime, opts Options) (*Backend, error) {
	if len(host.ContainerNames) == 0 {
		return nil, errors.New("backend has no container")
	}

	b := &Backend{
		host:    host,
		name:    host.Primary(),
		runtime: runtime,
		opts:    opts,
		log:     log.With().Str("backend", host.Primary()).Logger(),
		active:  make(map[*Activity]struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(ctx)

	opCtx, cancel := context.WithTimeout(b.ctx, opts.OperationTimeout)
	running, err := runtime.IsRunning(opCtx, b.name)
	cancel()
	if err != nil {
		b.log.Warn().Err(err).Msg("Could not query primary container, assuming it is stopped")
		running = false
	}

	b.reconcileSecondaries(running)

	b.mu.Lock()
	if running {
		b.enterRunningLocked()
	} else {
		b.setStateLocked(structers.Stopped)
	}
	b.loops.Add(1)
	go b.watchEvents()
	b.mu.Unlock()

	b.log.Info().
		Strs("domains", host.Domains).
		Strs("containers", host.ContainerNames).
		Stringer("state", b.State()).
		Dur("idle_timeout", host.IdleTimeout).
		Msg("Backend registered")

	return b, nil
}

// reconcileSecondaries brings every secondary container to the primary's state.
func (b *Backend) reconcileSecondaries(primaryRunning bool) {
	for _, name := range b.host.Secondaries() {
		ctx, cancel := context.WithTimeout(b.ctx, b.opts.OperationTimeout)
		running, err := b.runtime.IsRunning(ctx, name)
		switch {
		case err != nil:
			b.log.Warn().Err(err).Str("container", name).Msg("Could not query secondary container")
		case running && !primaryRunning:
			b.log.Info().Str("container", name).Msg("Stopping secondary container to match primary")
			err = b.runtime.Stop(ctx, name)
		case !running && primaryRunning:
			b.log.Info().Str("container", name).Msg("Starting secondary container to match primary")
			err = b.runtime.Start(ctx, name)
		}
		if err != nil {
			b.log.Error().Err(err).Str("container", name).Msg("Secondary container reconciliation failed")
		}
		cancel()
	}
}

// Name is the primary container name, used as the backend's identity in logs and metrics.
func (b *Backend) Name() string {
	return b.name
}

// Host returns the descriptor the backend was built from.
func (b *Backend) Host() structers.ProxyHost {
	return b.host
}

func (b *Backend) State() structers.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Target is where a request arriving now should go: the upstream while running,
// the placeholder otherwise.
func (b *Backend) Target() structers.Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == structers.Running {
		return b.host.Target()
	}
	return b.opts.Placeholder
}

// Upstream is the target used once the backend is ready.
func (b *Backend) Upstream() structers.Target {
	return b.host.Target()
}

// Headers are added to every request forwarded for this backend.
func (b *Backend) Headers() map[string]string {
	return map[string]string{config.ContainerNameHeader: b.name}
}

// NewConnection registers an ordinary request. It wakes a stopped backend and keeps
// a running one from idling until Done is called.
func (b *Backend) NewConnection() *Activity {
	return b.track(false)
}

// NewSocketConnection registers an upgraded, long-lived connection.
func (b *Backend) NewSocketConnection() *Activity {
	return b.track(true)
}

func (b *Backend) track(stream bool) *Activity {
	a := &Activity{backend: b, stream: stream}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return a
	}

	b.active[a] = struct{}{}
	metrics.ActiveEntries.WithLabelValues(b.name).Inc()

	switch b.state {
	case structers.Stopped:
		b.startHostLocked("request")
	case structers.Stopping:
		b.restartPending = true
	default:
		b.resetIdleTimerLocked()
	}
	return a
}

func (b *Backend) release(a *Activity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[a]; !ok {
		return
	}
	delete(b.active, a)
	// Close already took these entries off the gauge
	if b.closed {
		return
	}
	metrics.ActiveEntries.WithLabelValues(b.name).Dec()

	switch b.state {
	case structers.Starting, structers.AwaitingReady, structers.Running:
		b.resetIdleTimerLocked()
	}
}

// Active returns the number of in-flight requests and open streams.
func (b *Backend) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Close cancels every timer, loop and subscription of the backend and waits for its
// goroutines. Containers are left as they are.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.stopIdleTimerLocked()
	metrics.ActiveEntries.WithLabelValues(b.name).Sub(float64(len(b.active)))
	b.pollCancel, b.healthCancel, b.statsCancel = nil, nil, nil
	b.cancel()
	b.mu.Unlock()

	b.loops.Wait()
	b.log.Debug().Msg("Backend closed")
}

func (b *Backend) setStateLocked(state structers.State) {
	if b.state != state {
		b.log.Debug().Stringer("from", b.state).Stringer("to", state).Msg("Backend state changed")
	}
	b.state = state
	metrics.SetState(b.name, state)
}

// resetIdleTimerLocked re-arms the idle timer and restarts the CPU average.
func (b *Backend) resetIdleTimerLocked() {
	b.stopIdleTimerLocked()
	b.cpu.reset()
	metrics.CPUAverage.WithLabelValues(b.name).Set(0)

	gen := b.idleGen
	b.idleTimer = time.AfterFunc(b.host.IdleTimeout, func() { b.onIdle(gen) })
}

// stopIdleTimerLocked also invalidates a callback already waiting on mu.
func (b *Backend) stopIdleTimerLocked() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
	b.idleGen++
}

func (b *Backend) onIdle(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || gen != b.idleGen {
		return
	}
	b.idleTimer = nil

	switch b.state {
	case structers.Running:
		if n := len(b.active); n > 0 {
			b.log.Debug().Int("active", n).Msg("Idle timeout deferred by open connections")
			b.resetIdleTimerLocked()
			return
		}
		if b.cpu.defers(b.host.CPUIdleFloor) {
			b.log.Debug().Float64("cpu_percent", b.cpu.value).Float64("floor", *b.host.CPUIdleFloor).Msg("Idle timeout deferred by CPU usage")
			b.resetIdleTimerLocked()
			return
		}
		b.log.Info().Dur("idle_timeout", b.host.IdleTimeout).Msg("Backend idle, stopping containers")
		b.stopHostLocked("idle")
	case structers.Starting, structers.AwaitingReady:
		b.resetIdleTimerLocked()
	}
}
