package functions

import (
	"net"
	"reflect"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xaydras-2/containerNursery/App/structers"
)

// RouteTable maps route keys ("host" or "host/path/prefix") to backends.
// A table is never modified once published.
type RouteTable struct {
	routes   map[string]*Backend
	backends []*Backend
}

func newRouteTable(backends []*Backend) *RouteTable {
	t := &RouteTable{routes: make(map[string]*Backend)}
	for _, b := range backends {
		if b == nil {
			continue
		}
		t.backends = append(t.backends, b)
		for _, domain := range b.host.Domains {
			if owner, taken := t.routes[domain]; taken {
				log.Warn().Str("domain", domain).Str("backend", b.name).Str("owner", owner.name).Msg("Domain already routed, ignoring duplicate")
				continue
			}
			t.routes[domain] = b
		}
	}
	return t
}

// Resolve finds the backend for a request. The longest configured path prefix wins,
// compared segment by segment; the bare host is tried last.
func (t *RouteTable) Resolve(host, path string) (*Backend, bool) {
	if t == nil {
		return nil, false
	}
	host = strings.ToLower(stripPort(host))
	if host == "" {
		return nil, false
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	parts := strings.Split(path, "/")
	for i := len(parts); i >= 1; i-- {
		if b, ok := t.routes[host+strings.Join(parts[:i], "/")]; ok {
			return b, true
		}
	}
	return nil, false
}

// Backends lists every backend of the table once, in configuration order.
func (t *RouteTable) Backends() []*Backend {
	if t == nil {
		return nil
	}
	return t.backends
}

// find returns a backend built from a descriptor equal to host, skipping taken ones.
func (t *RouteTable) find(host structers.ProxyHost, taken map[*Backend]bool) *Backend {
	for _, b := range t.Backends() {
		if !taken[b] && reflect.DeepEqual(b.host, host) {
			return b
		}
	}
	return nil
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
