package structers

// StatsSample is one raw resource-usage reading of a container.
// Both counters are cumulative; percentages are derived from deltas between samples.
type StatsSample struct {
	CPUUsage    uint64 // container CPU time, ns
	SystemUsage uint64 // host CPU time, ns
	OnlineCPUs  uint32
}

// EventAction is the container lifecycle transition reported by the runtime.
type EventAction string

const (
	EventStart EventAction = "start"
	EventStop  EventAction = "stop"
)

// ContainerEvent is one entry of the runtime's event feed.
type ContainerEvent struct {
	Container string
	Action    EventAction
}
