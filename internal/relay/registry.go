package relay

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

// Registry is the process-wide set of registered connection handles.
//
// Every mutation and every snapshot runs under one mutex that covers only the
// backing slice. Delivery never happens while it is held. Handles must be
// comparable (pointer types in practice) because Deregister and PruneDead
// remove entries by identity.
type Registry struct {
	mu      sync.Mutex
	conns   []Connection
	log     *slog.Logger
	metrics *metrics.Relay
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for registration events.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithRegistryMetrics makes the registry keep the active connection gauge current.
func WithRegistryMetrics(m *metrics.Relay) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handle. It does not deduplicate: a session registered twice
// receives every broadcast twice. Nil and non-comparable handles are dropped
// with a log entry, since they could not be removed again.
func (r *Registry) Register(c Connection) {
	if c == nil {
		r.log.Warn("Received nil connection registration; skipping")
		return
	}
	if !reflect.TypeOf(c).Comparable() {
		r.log.Error("Rejecting non-comparable connection handle; implement Connection on a pointer type",
			"conn_id", c.ID(), "type", fmt.Sprintf("%T", c))
		return
	}

	r.mu.Lock()
	r.conns = append(r.conns, c)
	total := len(r.conns)
	r.observe(total)
	r.mu.Unlock()

	r.log.Debug("Connection registered", "conn_id", c.ID(), "total", total)
}

// Deregister removes every entry for the given handle.
func (r *Registry) Deregister(c Connection) {
	if c == nil || !reflect.TypeOf(c).Comparable() {
		return
	}

	r.mu.Lock()
	before := len(r.conns)
	r.conns = lo.Reject(r.conns, func(x Connection, _ int) bool { return x == c })
	total := len(r.conns)
	r.observe(total)
	r.mu.Unlock()

	if before == total {
		return
	}
	r.log.Debug("Connection deregistered", "conn_id", c.ID(), "total", total)
}

// PruneDead removes every handle whose liveness check reports false and
// returns how many entries were dropped.
//
// Liveness is evaluated on a snapshot so a slow Alive implementation never
// holds the lock. Handles registered after the snapshot are left for the next
// sweep.
func (r *Registry) PruneDead() int {
	dead := make(map[Connection]struct{})
	for _, c := range r.Snapshot() {
		if !c.Alive() {
			dead[c] = struct{}{}
		}
	}
	if len(dead) == 0 {
		return 0
	}

	r.mu.Lock()
	before := len(r.conns)
	r.conns = lo.Reject(r.conns, func(x Connection, _ int) bool {
		_, gone := dead[x]
		return gone
	})
	total := len(r.conns)
	r.observe(total)
	r.mu.Unlock()

	removed := before - total
	if r.metrics != nil {
		r.metrics.PrunedConnections.Add(float64(removed))
	}
	r.log.Debug("Pruned dead connections", "removed", removed, "total", total)
	return removed
}

// Snapshot returns a copy of the registered handles, safe to iterate while
// the registry keeps changing.
func (r *Registry) Snapshot() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Connection, len(r.conns))
	copy(out, r.conns)
	return out
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// observe must be called with mu held so the gauge follows mutation order.
func (r *Registry) observe(total int) {
	if r.metrics != nil {
		r.metrics.ActiveConnections.Set(float64(total))
	}
}
