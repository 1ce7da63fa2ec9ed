// Package config holds the nursery's constants and loads, validates and watches the
// YAML configuration that declares the proxied services.
package config

import (
	"time"
)

const (
	// DefaultConfigPath is where the configuration file is looked up when neither
	// the -config flag nor CN_CONFIG is set.
	DefaultConfigPath = "config/config.yml"

	// DefaultListeningPort is the proxy port used when no valid override exists.
	DefaultListeningPort = 80

	// PlaceholderHost and PlaceholderPort locate the internal "waking up" server.
	// The proxy may never listen on PlaceholderPort.
	PlaceholderHost = "127.0.0.1"
	PlaceholderPort = 8080

	// ReadinessPollInterval is how often a just-started backend is probed.
	ReadinessPollInterval = 250 * time.Millisecond

	// ReadinessProbeTimeout bounds a single readiness probe.
	ReadinessProbeTimeout = 2 * time.Second

	// HealthCheckInterval is how often a running backend's primary container is inspected.
	HealthCheckInterval = 30 * time.Second

	// RuntimeOperationTimeout bounds a single start or stop of a container group.
	RuntimeOperationTimeout = 2 * time.Minute

	// CPUAverageWindow is the smoothing window of the CPU moving average.
	CPUAverageWindow = 30

	// ReloadDebounce is the quiet period before a changed config file is reloaded.
	ReloadDebounce = 100 * time.Millisecond

	// ContainerNameHeader carries the primary container name on proxied requests,
	// so the placeholder page knows which service is waking up.
	ContainerNameHeader = "X-Container-Nursery-Container-Name"

	// ProxiedByHeader is set on every response leaving the proxy.
	ProxiedByHeader = "X-Proxied-By"

	// PoweredBy is the product name used in identification headers.
	PoweredBy = "ContainerNursery"
)
