// Package structers defines the data structures shared by the nursery: the typed
// description of a proxied service, its network target and the signals the
// container runtime reports about it.
package structers

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// ProxyHost describes one lifecycle-managed service, as read from the configuration.
// Several domains (each optionally carrying a path prefix) may point at the same
// service, and the service may span several containers.
type ProxyHost struct {
	// Domains are route keys of the form "host" or "host/path/prefix".
	Domains []string

	// ContainerNames lists the containers of the group, primary first.
	ContainerNames []string

	// ProxyHost and ProxyPort locate the upstream once it is ready.
	ProxyHost     string
	ProxyPort     int
	ProxyUseHTTPS bool

	// IdleTimeout is the inactivity period after which the group is stopped.
	IdleTimeout time.Duration

	// CPUIdleFloor defers the idle stop while the CPU average is at or above it.
	// nil never defers.
	CPUIdleFloor *float64
}

// Primary returns the container whose state drives the lifecycle.
func (h ProxyHost) Primary() string {
	if len(h.ContainerNames) == 0 {
		return ""
	}
	return h.ContainerNames[0]
}

// Secondaries returns the containers mirrored to the primary.
func (h ProxyHost) Secondaries() []string {
	if len(h.ContainerNames) < 2 {
		return nil
	}
	return h.ContainerNames[1:]
}

// Target returns the upstream target used once the service is ready.
func (h ProxyHost) Target() Target {
	scheme := "http"
	if h.ProxyUseHTTPS {
		scheme = "https"
	}
	return Target{Scheme: scheme, Host: h.ProxyHost, Port: h.ProxyPort}
}

// Target is the network location a request is forwarded to.
type Target struct {
	Scheme string
	Host   string
	Port   int
}

// URL returns the target as an absolute URL without path.
func (t Target) URL() *url.URL {
	return &url.URL{
		Scheme: t.Scheme,
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
	}
}

func (t Target) String() string {
	return fmt.Sprintf("%s://%s", t.Scheme, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
}
