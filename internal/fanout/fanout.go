// Package fanout turns a device subscription into a stream of wire records
// for the SSE and WebSocket transports.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nullptr-z/Q-bot/internal/eventbus"
	"github.com/nullptr-z/Q-bot/internal/events"
)

// DeviceCookie is the cookie carrying the device id.
const DeviceCookie = "device_id"

// ErrNoDevice is returned when the request has no device cookie.
var ErrNoDevice = errors.New("device cookie missing")

// RejectNoDevice answers a request that has no device cookie.
func RejectNoDevice(w http.ResponseWriter) {
	http.Error(w, "Cookie `device_id` is missing", http.StatusBadRequest)
}

// DeviceID extracts the device id from the request cookie.
func DeviceID(r *http.Request) (events.DeviceID, error) {
	c, err := r.Cookie(DeviceCookie)
	if err != nil || c.Value == "" {
		return "", ErrNoDevice
	}
	return events.DeviceID(c.Value), nil
}

// Filter selects which records a stream forwards. A nil Filter forwards all.
type Filter func(events.Record) bool

// Signals forwards only progress signals.
func Signals(rec events.Record) bool { return rec.Type == events.TypeSignal }

// Chats forwards only content records.
func Chats(rec events.Record) bool { return rec.Type != events.TypeSignal }

// Source opens subscriptions on device buses.
type Source struct {
	Registry *eventbus.Registry
	Renderer events.Renderer
	Logger   *slog.Logger
}

// Open resolves the device of r and subscribes to its bus, creating the bus
// on first use. The caller must close the subscription.
func (s Source) Open(r *http.Request, name string) (events.DeviceID, *eventbus.Subscription, error) {
	device, err := DeviceID(r)
	if err != nil {
		return "", nil, err
	}
	sub := s.Registry.GetOrCreate(device).Subscribe(eventbus.WithName(name + ":" + r.RemoteAddr))
	return device, sub, nil
}

// Stream forwards sub's events as records. The channel is closed when ctx
// ends or the subscription is closed. Lag is logged and skipped; events
// that fail to render are dropped.
func (s Source) Stream(ctx context.Context, sub *eventbus.Subscription, filter Filter) <-chan events.Record {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	out := make(chan events.Record)

	go func() {
		defer close(out)
		for {
			ev, err := sub.Recv(ctx)
			var lag *eventbus.LagError
			if errors.As(err, &lag) {
				log.Warn("subscriber lagged", "missed", lag.Missed)
				continue
			}
			if err != nil {
				return
			}

			rec, err := events.ToRecord(ev, s.Renderer)
			if err != nil {
				log.Error("render event", "error", err)
				continue
			}
			if filter != nil && !filter(rec) {
				continue
			}

			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
