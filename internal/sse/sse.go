// Package sse streams device records to browsers as server-sent events.
package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/fanout"
	"github.com/nullptr-z/Q-bot/internal/metrics"
)

// DefaultKeepAlive is the interval between keep-alive comments.
const DefaultKeepAlive = time.Second

const keepAliveText = "keep-alive-text"

// ErrNoFlusher is returned when the response cannot be streamed.
var ErrNoFlusher = errors.New("streaming not supported")

// Writer writes records to an event stream, flushing after each one.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter sets the event stream headers on w.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	return &Writer{w: w, f: f}, nil
}

// Record writes one event. Multi-line bodies are split across data lines.
func (s *Writer) Record(rec events.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", rec.Type)
	if rec.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", rec.ID)
	}
	for _, line := range strings.Split(rec.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	return s.write(b.String())
}

// Comment writes a comment line, which clients ignore.
func (s *Writer) Comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *Writer) write(msg string) error {
	if _, err := fmt.Fprint(s.w, msg); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Handler serves one filtered event stream per request.
type Handler struct {
	src       fanout.Source
	filter    fanout.Filter
	name      string
	keepAlive time.Duration
}

// NewHandler creates a stream handler. name labels the stream in logs;
// keepAlive <= 0 uses DefaultKeepAlive.
func NewHandler(src fanout.Source, name string, filter fanout.Filter, keepAlive time.Duration) *Handler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Handler{src: src, filter: filter, name: name, keepAlive: keepAlive}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device, sub, err := h.src.Open(r, h.name)
	if err != nil {
		fanout.RejectNoDevice(w)
		return
	}
	defer sub.Close()

	sw, err := NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	metrics.StreamsActive.WithLabelValues("sse").Inc()
	defer metrics.StreamsActive.WithLabelValues("sse").Dec()

	slog.Info("stream connected", "stream", h.name, "device", device)
	err = Serve(r.Context(), sw, h.src.Stream(r.Context(), sub, h.filter), h.keepAlive)
	slog.Info("stream closed", "stream", h.name, "device", device, "error", err)
}

// Serve writes records until ctx ends, records is closed or a write fails.
// A keep-alive comment is sent every interval.
func Serve(ctx context.Context, sw *Writer, records <-chan events.Record, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			if err := sw.Record(rec); err != nil {
				return err
			}
		case <-ticker.C:
			if err := sw.Comment(keepAliveText); err != nil {
				return err
			}
		}
	}
}
