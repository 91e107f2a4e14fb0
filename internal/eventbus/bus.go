// Package eventbus provides bounded per-device broadcast channels and the
// registry that owns them.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// DefaultCapacity is the per-subscriber buffer used when none is given.
const DefaultCapacity = 128

// ErrClosed is returned by Recv once the subscription or its bus is closed.
var ErrClosed = errors.New("eventbus: subscription closed")

// LagError reports that a subscriber fell behind and the oldest unread
// events were discarded. Reception can continue after it.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("eventbus: subscriber lagged, %d events dropped", e.Missed)
}

// Bus broadcasts events to every current subscriber. Publishing never blocks:
// a full subscriber loses its oldest buffered event instead.
type Bus struct {
	capacity int
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Option customises a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for drop warnings.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a bus whose subscriptions buffer up to capacity events.
func New(capacity int, opts ...Option) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		capacity: capacity,
		logger:   slog.Default(),
		subs:     make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers ev to every subscriber and returns how many received it.
// Having no subscribers is not an error.
func (b *Bus) Publish(ev events.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	n := 0
	for s := range b.subs {
		if s.deliver(ev) {
			n++
		}
	}
	return n
}

// Subscribe registers a new subscription. It observes only events published
// after it was created.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		bus:  b,
		done: make(chan struct{}),
	}
	size := b.capacity
	for _, opt := range opts {
		opt(s, &size)
	}
	s.ch = make(chan events.Event, size)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed.Store(true)
		close(s.done)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// SubscribeOption customises a subscription.
type SubscribeOption func(s *Subscription, size *int)

// WithName labels the subscription in drop warnings.
func WithName(name string) SubscribeOption {
	return func(s *Subscription, _ *int) {
		s.name = name
	}
}

// WithBuffer overrides the bus capacity for one subscription.
func WithBuffer(n int) SubscribeOption {
	return func(_ *Subscription, size *int) {
		if n > 0 {
			*size = n
		}
	}
}

// Subscription is one consumer's view of a bus.
type Subscription struct {
	bus  *Bus
	name string
	ch   chan events.Event

	// mu serialises drop-oldest against concurrent publishers.
	mu      sync.Mutex
	missed  atomic.Uint64
	dropped atomic.Uint64
	closed  atomic.Bool
	done    chan struct{}
}

// Recv returns the next event in publish order. After events were dropped
// it first returns a *LagError carrying the count.
func (s *Subscription) Recv(ctx context.Context) (events.Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if n := s.missed.Swap(0); n > 0 {
		return nil, &LagError{Missed: n}
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns the total number of events this subscription lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from its bus. It is safe to call more
// than once.
func (s *Subscription) Close() {
	if s.shutdown() {
		s.bus.remove(s)
	}
}

func (s *Subscription) shutdown() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	return true
}

func (s *Subscription) deliver(ev events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	select {
	case <-s.ch:
		s.recordDrop()
	default:
	}

	select {
	case s.ch <- ev:
		return true
	default:
		s.recordDrop()
		return false
	}
}

func (s *Subscription) recordDrop() {
	s.missed.Add(1)
	count := s.dropped.Add(1)
	metrics.EventsDropped.Inc()
	name := s.name
	if name == "" {
		name = "anonymous"
	}
	s.bus.logger.Warn("eventbus dropped event", "subscriber", name, "dropped_total", count)
}
