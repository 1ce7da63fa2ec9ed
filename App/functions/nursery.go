package functions

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xaydras-2/containerNursery/App/metrics"
	"github.com/xaydras-2/containerNursery/App/structers"
)

// constructionLimit bounds how many backends query the runtime at once during a reload.
const constructionLimit = 8

// Nursery owns the set of backends and publishes the route table the dispatcher
// reads. Readers never block: a reload builds a new table and swaps it in.
type Nursery struct {
	ctx     context.Context
	runtime Runtime
	opts    Options

	mu    sync.Mutex // serializes Apply and Close
	table atomic.Pointer[RouteTable]
}

func NewNursery(ctx context.Context, runtime Runtime, opts Options) *Nursery {
	n := &Nursery{ctx: ctx, runtime: runtime, opts: opts}
	n.table.Store(newRouteTable(nil))
	return n
}

// Table returns the route table currently in use.
func (n *Nursery) Table() *RouteTable {
	return n.table.Load()
}

// Route resolves a request's host and path against the current table.
func (n *Nursery) Route(host, path string) (*Backend, error) {
	if stripPort(host) == "" {
		return nil, ErrNoHost
	}
	b, ok := n.Table().Resolve(host, path)
	if !ok {
		return nil, ErrNoRoute
	}
	return b, nil
}

// Apply replaces the configured services. Backends whose descriptor did not change
// are kept with their state; the others are built fresh, and the ones left over are
// torn down once the new table is published. Requests already dispatched finish
// against the backend they resolved.
func (n *Nursery) Apply(hosts []structers.ProxyHost) *RouteTable {
	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.Table()
	kept := make(map[*Backend]bool)
	backends := make([]*Backend, len(hosts))

	g := new(errgroup.Group)
	g.SetLimit(constructionLimit)
	for i, host := range hosts {
		if b := old.find(host, kept); b != nil {
			kept[b] = true
			backends[i] = b
			continue
		}
		g.Go(func() error {
			b, err := NewBackend(n.ctx, host, n.runtime, n.opts)
			if err != nil {
				log.Error().Err(err).Strs("domains", host.Domains).Msg("Could not create backend")
				return nil
			}
			backends[i] = b
			return nil
		})
	}
	g.Wait()

	table := newRouteTable(backends)
	n.table.Store(table)

	live := make(map[string]bool)
	for _, b := range table.Backends() {
		live[b.name] = true
	}
	removed := 0
	for _, b := range old.Backends() {
		if kept[b] {
			continue
		}
		b.Close()
		removed++
		if !live[b.name] {
			metrics.Forget(b.name)
		}
	}

	log.Info().
		Int("backends", len(table.Backends())).
		Int("kept", len(kept)).
		Int("removed", removed).
		Msg("Route table updated")
	return table
}

// Close tears down every backend without touching the containers.
func (n *Nursery) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.table.Swap(newRouteTable(nil))
	for _, b := range old.Backends() {
		b.Close()
		metrics.Forget(b.name)
	}
}
