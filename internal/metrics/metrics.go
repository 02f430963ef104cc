package metrics

import "sync"

// Counter names used across the service.
const (
	RoomsCreated   = "rooms_created"
	RoomsJoined    = "rooms_joined"
	RoomsEnded     = "rooms_ended"
	RoomsExpired   = "rooms_expired"
	SignalsRelayed = "signals_relayed"
	SignalsDropped = "signals_dropped"

	ProtocolErrors = "protocol_errors"
	RateLimited    = "rate_limited"
	Connections    = "ws_connections"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that wants a richer backend can scrape these through the
// Prometheus handler; the registry exists mostly so the room and signaling
// logic stays observable and testable without a metrics dependency.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
