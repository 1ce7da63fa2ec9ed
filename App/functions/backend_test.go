package functions

import (
	"context"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaydras-2/containerNursery/App/config"
	"github.com/xaydras-2/containerNursery/App/structers"
)

func stateIs(b *Backend, want structers.State) func() bool {
	return func() bool { return b.State() == want }
}

func TestNewBackend_InitialState(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	opts := testOptions(t)

	t.Run("stopped", func(t *testing.T) {
		b := newTestBackend(t, testHost(t, up, time.Hour, "app"), newFakeRuntime(), opts)
		assert.Equal(t, structers.Stopped, b.State())
		assert.Equal(t, opts.Placeholder, b.Target())
	})

	t.Run("running", func(t *testing.T) {
		host := testHost(t, up, time.Hour, "app")
		b := newTestBackend(t, host, newFakeRuntime("app"), opts)
		assert.Equal(t, structers.Running, b.State())
		assert.Equal(t, host.Target(), b.Target())
	})

	t.Run("query failure is treated as stopped", func(t *testing.T) {
		rt := newFakeRuntime("app")
		rt.queryErr = errBoom
		b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, opts)
		assert.Equal(t, structers.Stopped, b.State())
	})

	t.Run("no container", func(t *testing.T) {
		_, err := NewBackend(context.Background(), structers.ProxyHost{}, newFakeRuntime(), opts)
		assert.Error(t, err)
	})
}

func TestNewBackend_ReconcilesSecondaries(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	opts := testOptions(t)

	rt := newFakeRuntime("db")
	newTestBackend(t, testHost(t, up, time.Hour, "app", "db"), rt, opts)
	assert.Equal(t, 1, rt.stopCount("db"))
	assert.Equal(t, 0, rt.stopCount("app"))

	rt = newFakeRuntime("app")
	newTestBackend(t, testHost(t, up, time.Hour, "app", "db"), rt, opts)
	assert.Equal(t, 1, rt.startCount("db"))
	assert.Equal(t, 0, rt.startCount("app"))
}

func TestNewConnection_WakesStoppedBackend(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	host := testHost(t, up, time.Hour, "app", "db")
	rt := newFakeRuntime()
	b := newTestBackend(t, host, rt, testOptions(t))

	a := b.NewConnection()
	defer a.Done()

	require.Eventually(t, stateIs(b, structers.Running), waitFor, tick)
	assert.Equal(t, host.Target(), b.Target())
	assert.Equal(t, 1, rt.startCount("app"))
	assert.Equal(t, 1, rt.startCount("db"))
}

func TestNewConnection_ConcurrentRequestsStartOnce(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime()
	rt.startGate = make(chan struct{})
	b := newTestBackend(t, testHost(t, up, time.Hour, "app", "db"), rt, testOptions(t))

	var wg sync.WaitGroup
	activities := make([]*Activity, 20)
	for i := range activities {
		wg.Add(1)
		go func() {
			defer wg.Done()
			activities[i] = b.NewConnection()
		}()
	}
	wg.Wait()
	assert.Equal(t, structers.Starting, b.State())
	assert.Equal(t, 20, b.Active())

	close(rt.startGate)
	require.Eventually(t, stateIs(b, structers.Running), waitFor, tick)
	assert.Equal(t, 1, rt.startCount("app"))
	assert.Equal(t, 1, rt.startCount("db"))

	for _, a := range activities {
		a.Done()
		a.Done()
	}
	assert.Equal(t, 0, b.Active())
}

func TestReadiness_WaitsForReadyStatus(t *testing.T) {
	up := newUpstream(t, http.StatusServiceUnavailable)
	opts := testOptions(t)
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), newFakeRuntime(), opts)

	a := b.NewConnection()
	defer a.Done()

	require.Eventually(t, stateIs(b, structers.AwaitingReady), waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, structers.AwaitingReady, b.State())
	assert.Equal(t, opts.Placeholder, b.Target())

	// a missing root route still proves the app is serving
	up.setStatus(http.StatusNotFound)
	require.Eventually(t, stateIs(b, structers.Running), waitFor, tick)
}

func TestReadiness_KeepsIdleTimerFromFiring(t *testing.T) {
	up := newUpstream(t, http.StatusBadGateway)
	rt := newFakeRuntime()
	b := newTestBackend(t, testHost(t, up, 60*time.Millisecond, "app"), rt, testOptions(t))

	b.NewConnection().Done()
	require.Eventually(t, stateIs(b, structers.AwaitingReady), waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, structers.AwaitingReady, b.State())
	assert.Equal(t, 0, rt.stopCount("app"))
}

func TestIdleTimeout_StopsBackend(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	opts := testOptions(t)
	rt := newFakeRuntime("app", "db")
	b := newTestBackend(t, testHost(t, up, 50*time.Millisecond, "app", "db"), rt, opts)

	require.Eventually(t, stateIs(b, structers.Stopped), waitFor, tick)
	assert.Equal(t, 1, rt.stopCount("app"))
	assert.Equal(t, 1, rt.stopCount("db"))
	assert.Equal(t, opts.Placeholder, b.Target())
}

func TestIdleTimeout_DeferredByOpenConnection(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	b := newTestBackend(t, testHost(t, up, 40*time.Millisecond, "app"), rt, testOptions(t))

	stream := b.NewSocketConnection()
	assert.True(t, stream.Stream())
	requests := []*Activity{b.NewConnection(), b.NewConnection()}

	requests[0].Done()
	requests[1].Done()
	assert.Never(t, stateIs(b, structers.Stopping), 200*time.Millisecond, tick)
	assert.Equal(t, structers.Running, b.State())

	stream.Done()
	require.Eventually(t, stateIs(b, structers.Stopped), waitFor, tick)
	assert.Equal(t, 1, rt.stopCount("app"))
}

func TestIdleTimeout_DeferredByCPUFloor(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	host := testHost(t, up, 40*time.Millisecond, "app")
	floor := 0.0
	host.CPUIdleFloor = &floor
	b := newTestBackend(t, host, rt, testOptions(t))

	assert.Never(t, stateIs(b, structers.Stopping), 200*time.Millisecond, tick)
	assert.Equal(t, 0, rt.stopCount("app"))
}

func TestIdleTimeout_InfiniteFloorNeverDefers(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	host := testHost(t, up, 40*time.Millisecond, "app")
	floor := math.Inf(1)
	host.CPUIdleFloor = &floor
	b := newTestBackend(t, host, rt, testOptions(t))

	require.Eventually(t, stateIs(b, structers.Stopped), waitFor, tick)
}

func TestRequestDuringStop_RestartsAfterwards(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	rt.stopGate = make(chan struct{})
	b := newTestBackend(t, testHost(t, up, 30*time.Millisecond, "app"), rt, testOptions(t))

	require.Eventually(t, stateIs(b, structers.Stopping), waitFor, tick)
	a := b.NewConnection()
	defer a.Done()
	assert.Equal(t, structers.Stopping, b.State())
	assert.Equal(t, 0, rt.startCount("app"))

	close(rt.stopGate)
	require.Eventually(t, stateIs(b, structers.Running), waitFor, tick)
	assert.Equal(t, 1, rt.stopCount("app"))
	assert.Equal(t, 1, rt.startCount("app"))
}

func TestStartFailure_ReturnsToStopped(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime()
	rt.startErr = errBoom
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, testOptions(t))

	b.NewConnection().Done()
	require.Eventually(t, func() bool {
		return rt.startCount("app") == 1 && b.State() == structers.Stopped
	}, waitFor, tick)

	// the guard is released, the next request retries
	b.NewConnection().Done()
	require.Eventually(t, func() bool { return rt.startCount("app") == 2 }, waitFor, tick)
}

func TestStopFailure_StaysRunning(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	rt.stopErr = errBoom
	b := newTestBackend(t, testHost(t, up, 30*time.Millisecond, "app"), rt, testOptions(t))

	require.Eventually(t, func() bool { return rt.stopCount("app") >= 1 }, waitFor, tick)
	require.Eventually(t, stateIs(b, structers.Running), waitFor, tick)
}

func TestStopEvent_StopsRunningBackend(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, testOptions(t))
	require.Equal(t, structers.Running, b.State())

	rt.setRunning("app", false)
	rt.events <- structers.ContainerEvent{Container: "app", Action: structers.EventStop}

	require.Eventually(t, stateIs(b, structers.Stopped), waitFor, tick)
	assert.Equal(t, 1, rt.stopCount("app"))
}

func TestStopEvent_IgnoredWhilePrimaryRuns(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, testOptions(t))

	rt.events <- structers.ContainerEvent{Container: "app", Action: structers.EventStop}
	rt.events <- structers.ContainerEvent{Container: "other", Action: structers.EventStop}

	assert.Never(t, stateIs(b, structers.Stopping), 100*time.Millisecond, tick)
	assert.Equal(t, structers.Running, b.State())
	assert.Equal(t, 0, rt.stopCount("app"))
}

func TestStartEvent_FollowsExternalStart(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime()
	b := newTestBackend(t, testHost(t, up, time.Hour, "app", "db"), rt, testOptions(t))
	require.Equal(t, structers.Stopped, b.State())

	rt.setRunning("app", true)
	rt.events <- structers.ContainerEvent{Container: "app", Action: structers.EventStart}

	require.Eventually(t, stateIs(b, structers.Running), waitFor, tick)
	assert.Equal(t, 1, rt.startCount("db"))
}

func TestStopEvent_DuringStartIsRecheckedAfterwards(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime()
	rt.startGate = make(chan struct{})
	rt.exitOnStart = true
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, testOptions(t))

	b.NewConnection().Done()
	require.Equal(t, structers.Starting, b.State())

	rt.events <- structers.ContainerEvent{Container: "app", Action: structers.EventStop}
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.stopPending
	}, waitFor, tick)

	close(rt.startGate)
	require.Eventually(t, func() bool {
		return rt.stopCount("app") == 1 && b.State() == structers.Stopped
	}, waitFor, tick)
	assert.Equal(t, 1, rt.startCount("app"))
}

func TestStopEvent_DuringStartIgnoredWhenContainerCameUp(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime()
	rt.startGate = make(chan struct{})
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, testOptions(t))

	b.NewConnection().Done()
	rt.events <- structers.ContainerEvent{Container: "app", Action: structers.EventStop}
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.stopPending
	}, waitFor, tick)

	close(rt.startGate)
	require.Eventually(t, stateIs(b, structers.Running), waitFor, tick)
	assert.Never(t, stateIs(b, structers.Stopping), 100*time.Millisecond, tick)
	assert.Equal(t, 0, rt.stopCount("app"))
}

func TestHealthCheck_StopsWhenPrimaryDisappears(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	opts := testOptions(t)
	opts.HealthInterval = 20 * time.Millisecond
	rt := newFakeRuntime("app")
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, opts)

	assert.Never(t, stateIs(b, structers.Stopping), 80*time.Millisecond, tick)

	rt.setRunning("app", false)
	require.Eventually(t, stateIs(b, structers.Stopped), waitFor, tick)
	assert.Equal(t, 1, rt.stopCount("app"))
}

func TestClose_CancelsTimers(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	b, err := NewBackend(context.Background(), testHost(t, up, 40*time.Millisecond, "app"), rt, testOptions(t))
	require.NoError(t, err)

	b.Close()
	b.Close()
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, rt.stopCount("app"))

	// closed backends accept activity without acting on it
	b.NewConnection().Done()
	assert.Equal(t, 0, rt.startCount("app"))
}

func TestHeaders(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	b := newTestBackend(t, testHost(t, up, time.Hour, "app", "db"), newFakeRuntime(), testOptions(t))
	assert.Equal(t, map[string]string{config.ContainerNameHeader: "app"}, b.Headers())
	assert.Equal(t, "app", b.Name())
}

func TestCPUAverage(t *testing.T) {
	var c cpuAverage

	// the first sample only primes the counters
	c.add(structers.StatsSample{CPUUsage: 1000, SystemUsage: 10000, OnlineCPUs: 2})
	assert.Equal(t, 0.0, c.value)
	assert.Equal(t, 0, c.samples)

	// 100/1000 of the host over 2 cpus
	c.add(structers.StatsSample{CPUUsage: 1100, SystemUsage: 11000, OnlineCPUs: 2})
	assert.InDelta(t, 20.0, c.value, 1e-9)

	// second sample weighs one half
	c.add(structers.StatsSample{CPUUsage: 1100, SystemUsage: 12000, OnlineCPUs: 2})
	assert.InDelta(t, 10.0, c.value, 1e-9)

	// no host progress, ignored
	c.add(structers.StatsSample{CPUUsage: 1200, SystemUsage: 12000, OnlineCPUs: 2})
	assert.Equal(t, 2, c.samples)

	c.reset()
	assert.Equal(t, 0.0, c.value)
	c.add(structers.StatsSample{CPUUsage: 1400, SystemUsage: 13000, OnlineCPUs: 1})
	assert.InDelta(t, 20.0, c.value, 1e-9)
}

func TestCPUAverage_Window(t *testing.T) {
	var c cpuAverage
	c.add(structers.StatsSample{CPUUsage: 0, SystemUsage: 0, OnlineCPUs: 1})

	var cpu, system uint64
	for i := 0; i < config.CPUAverageWindow; i++ {
		cpu, system = cpu+100, system+1000
		c.add(structers.StatsSample{CPUUsage: cpu, SystemUsage: system, OnlineCPUs: 1})
	}
	assert.InDelta(t, 10.0, c.value, 1e-9)

	// past the window every sample weighs 1/window
	cpu, system = cpu+1000, system+1000
	c.add(structers.StatsSample{CPUUsage: cpu, SystemUsage: system, OnlineCPUs: 1})
	assert.InDelta(t, 10.0+90.0/float64(config.CPUAverageWindow), c.value, 1e-9)
}

func TestCPUAverage_Defers(t *testing.T) {
	zero, high, inf := 0.0, 50.0, math.Inf(1)
	c := cpuAverage{value: 0}
	assert.False(t, c.defers(nil))
	assert.True(t, c.defers(&zero))
	assert.False(t, c.defers(&inf))

	c.value = 49.9
	assert.False(t, c.defers(&high))
	c.value = 50
	assert.True(t, c.defers(&high))
}

func TestStats_FeedCPUAverage(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	host := testHost(t, up, time.Hour, "app")
	b := newTestBackend(t, host, rt, testOptions(t))

	rt.stats <- structers.StatsSample{CPUUsage: 0, SystemUsage: 0, OnlineCPUs: 1}
	rt.stats <- structers.StatsSample{CPUUsage: 500, SystemUsage: 1000, OnlineCPUs: 1}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.cpu.value == 50
	}, waitFor, tick)
}

func TestStats_ResubscribesAfterStreamBreaks(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	rt.statsErr = errBoom
	b := newTestBackend(t, testHost(t, up, time.Hour, "app"), rt, testOptions(t))

	require.Eventually(t, func() bool { return rt.statsSubscriptions() > 1 }, waitFor, tick)
	assert.Equal(t, structers.Running, b.State())

	// once the runtime recovers, samples reach the average again
	rt.mu.Lock()
	rt.statsErr = nil
	rt.mu.Unlock()
	rt.stats <- structers.StatsSample{CPUUsage: 0, SystemUsage: 0, OnlineCPUs: 1}
	rt.stats <- structers.StatsSample{CPUUsage: 500, SystemUsage: 1000, OnlineCPUs: 1}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.cpu.value == 50
	}, waitFor, tick)
}

func TestStats_StopsResubscribingOnceStopped(t *testing.T) {
	up := newUpstream(t, http.StatusOK)
	rt := newFakeRuntime("app")
	rt.statsErr = errBoom
	b := newTestBackend(t, testHost(t, up, 30*time.Millisecond, "app"), rt, testOptions(t))

	require.Eventually(t, stateIs(b, structers.Stopped), waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	subs := rt.statsSubscriptions()
	assert.Never(t, func() bool { return rt.statsSubscriptions() > subs }, time.Second, 20*time.Millisecond)
}
