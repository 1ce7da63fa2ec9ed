package functions

import (
	"sync"

	"github.com/xaydras-2/containerNursery/App/config"
	"github.com/xaydras-2/containerNursery/App/structers"
)

// Activity is one in-flight request or open stream keeping a backend busy.
// Done must be called once the request completes or the stream closes; extra calls
// are ignored.
type Activity struct {
	backend *Backend
	stream  bool
	once    sync.Once
}

// Done releases the activity slot and re-arms the backend's idle timer.
func (a *Activity) Done() {
	a.once.Do(func() {
		if a.backend != nil {
			a.backend.release(a)
		}
	})
}

// Stream reports whether the entry is an upgraded connection.
func (a *Activity) Stream() bool {
	return a.stream
}

// cpuAverage smooths the primary container's CPU usage. The newest sample weighs
// 1/min(samples, CPUAverageWindow). The first sample only primes the counters.
type cpuAverage struct {
	value      float64
	samples    int
	lastCPU    uint64
	lastSystem uint64
	primed     bool
}

func (c *cpuAverage) add(s structers.StatsSample) {
	if !c.primed {
		c.lastCPU, c.lastSystem, c.primed = s.CPUUsage, s.SystemUsage, true
		return
	}

	cpuDelta := float64(s.CPUUsage) - float64(c.lastCPU)
	systemDelta := float64(s.SystemUsage) - float64(c.lastSystem)
	c.lastCPU, c.lastSystem = s.CPUUsage, s.SystemUsage

	if systemDelta <= 0 || cpuDelta < 0 || s.OnlineCPUs == 0 {
		return
	}

	percent := (cpuDelta / systemDelta) * float64(s.OnlineCPUs) * 100.0
	c.samples++
	c.value += (percent - c.value) / float64(min(c.samples, config.CPUAverageWindow))
}

// reset zeroes the average but keeps the raw counters, so the next sample still
// yields a delta.
func (c *cpuAverage) reset() {
	c.value = 0
	c.samples = 0
}

// defers reports whether the average holds off an idle stop.
func (c *cpuAverage) defers(floor *float64) bool {
	return floor != nil && c.value >= *floor
}
