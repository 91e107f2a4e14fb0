package eventbus

import (
	"log/slog"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// Registry maps device ids to their bus. Entries are never evicted: the map
// grows with the number of distinct devices seen by the process.
type Registry struct {
	buses    cmap.ConcurrentMap[string, *Bus]
	capacity int
	logger   *slog.Logger
}

// NewRegistry creates an empty registry whose buses buffer capacity events
// per subscriber.
func NewRegistry(capacity int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		buses:    cmap.New[*Bus](),
		capacity: capacity,
		logger:   logger,
	}
}

// GetOrCreate returns the bus for id, creating it on first use. Concurrent
// first-touch callers all receive the same bus.
func (r *Registry) GetOrCreate(id events.DeviceID) *Bus {
	if b, ok := r.buses.Get(string(id)); ok {
		return b
	}
	return r.buses.Upsert(string(id), nil, func(exist bool, inMap, _ *Bus) *Bus {
		if exist {
			return inMap
		}
		metrics.Devices.Inc()
		r.logger.Debug("device bus created", "device_id", string(id))
		return New(r.capacity, WithLogger(r.logger.With("device_id", string(id))))
	})
}

// Lookup returns the bus for id if one was created.
func (r *Registry) Lookup(id events.DeviceID) (*Bus, bool) {
	return r.buses.Get(string(id))
}

// Len returns the number of device buses.
func (r *Registry) Len() int {
	return r.buses.Count()
}

// Close closes every bus so that open streams end.
func (r *Registry) Close() {
	for item := range r.buses.IterBuffered() {
		item.Val.Close()
	}
}
