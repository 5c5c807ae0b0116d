// Package adapter defines the common contract every venue connector
// implements, plus the registry that the application wires venue
// adapters through. Grounded on the teacher's lpmanager.LPAdapter
// interface and lpmanager.Registry (backend/lpmanager/lp.go,
// backend/lpmanager/registry.go): the shape — ID/Connect-or-Start/
// Subscribe/Unsubscribe/IsConnected/Stop, plus a concurrent
// map-backed registry — carries over almost unchanged. What changes
// is the payload: the teacher's adapters push lpmanager.Quote onto a
// private channel; a venue adapter here publishes normalized
// model.ServerEvent values onto the shared stream hub and writes
// through the shared cache, per the common adapter trait of the
// source system's crates/exchanges/common/src/adapter.rs.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/yeanh16/marketfeed-gateway/backend/cache"
	"github.com/yeanh16/marketfeed-gateway/backend/hub"
	"github.com/yeanh16/marketfeed-gateway/backend/model"
)

// State is a venue adapter's connection lifecycle, per the idle
// teardown / reconnect invariants: Idle -> Connecting -> Connected ->
// Closing -> Idle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosing    State = "closing"
)

// Adapter is the contract a venue connector must satisfy. All methods
// must be safe for concurrent use; Subscribe/Unsubscribe/Stop may be
// called from the application's idle-teardown and client-session
// paths concurrently with the adapter's own read pump.
type Adapter interface {
	// ID is the venue identifier used as a hub Topic.Venue and as the
	// registry key.
	ID() model.VenueId

	// Start begins the adapter's lifecycle: it does not necessarily
	// dial immediately — a connection opens lazily on first Subscribe,
	// per the idle-teardown policy.
	Start(ctx context.Context)

	// Subscribe requests that the adapter begin streaming the given
	// channels, dialing and/or resubscribing as needed.
	Subscribe(ctx context.Context, channels []model.Channel) error

	// Unsubscribe requests that the adapter stop streaming the given
	// channels. It never errors: an already-unsubscribed channel is a
	// no-op.
	Unsubscribe(channels []model.Channel)

	// State reports the adapter's current lifecycle state.
	State() State

	// Stop tears the adapter down permanently; Start cannot be called
	// again on the same instance.
	Stop()
}

// Deps bundles the shared collaborators every venue adapter publishes
// through and reads the idle-teardown signal from.
type Deps struct {
	Hub    *hub.Hub
	Cache  *cache.Cache
	Symbol *model.SymbolMapper

	// DefaultDepth is the order-book depth an adapter requests when a
	// ChannelOrderBook subscription arrives without an explicit Depth.
	DefaultDepth int
}

// Registry is the concurrent adapter directory the application and
// the HTTP/WS surfaces look venues up through. Grounded on
// lpmanager.Registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.VenueId]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.VenueId]Adapter)}
}

// Register adds adapter to the registry, keyed by its ID.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.ID()]; exists {
		return fmt.Errorf("adapter %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Get returns the adapter for venue, if registered.
func (r *Registry) Get(venue model.VenueId) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[venue]
	return a, ok
}

// List returns every registered adapter.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StopAll stops every registered adapter, used on process shutdown.
func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		a.Stop()
	}
}
