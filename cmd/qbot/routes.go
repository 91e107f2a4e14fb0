package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullptr-z/Q-bot/internal/events"
	"github.com/nullptr-z/Q-bot/internal/fanout"
	"github.com/nullptr-z/Q-bot/internal/metrics"
	"github.com/nullptr-z/Q-bot/internal/pipeline"
	"github.com/nullptr-z/Q-bot/internal/sse"
	"github.com/nullptr-z/Q-bot/internal/trace"
	"github.com/nullptr-z/Q-bot/internal/ws"
)

const (
	// defaultTraceRunLimit is how many trace runs are returned when the
	// caller omits the ?limit= query parameter.
	defaultTraceRunLimit = 20

	failureMessage = "assistant request failed"
)

// traceReader is the read side of *trace.Store.
type traceReader interface {
	ListRuns(ctx context.Context, deviceID string, limit, offset int) ([]trace.Run, int, error)
	GetRun(ctx context.Context, deviceID, runID string) (*trace.Run, []trace.Span, error)
}

type deps struct {
	assistant      *pipeline.Assistant
	source         fanout.Source
	keepAlive      time.Duration
	maxStreams     int
	runSem         chan struct{}
	maxUploadBytes int64
	assetsDir      string
	css            interface{ WriteCSS(io.Writer) error }
	traces         traceReader
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("GET /{$}", d.handleIndex)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /events", sse.NewHandler(d.source, "events", nil, d.keepAlive))
	mux.Handle("GET /chats", sse.NewHandler(d.source, "chats", fanout.Chats, d.keepAlive))
	mux.Handle("GET /signals", sse.NewHandler(d.source, "signals", fanout.Signals, d.keepAlive))
	mux.Handle("GET /ws/events", ws.NewHandler(ws.HandlerConfig{
		Source:        d.source,
		MaxConcurrent: d.maxStreams,
	}))

	mux.HandleFunc("POST /assistant", d.handleAssistant)

	if d.assetsDir != "" {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(http.Dir(d.assetsDir))))
	}
	if d.css != nil {
		mux.HandleFunc("GET /public/css/highlight.css", d.handleHighlightCSS)
	}
	registerTraceRoutes(mux, d.traces)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       "qbot",
		"draw_image": d.assistant.DrawImageEnabled(),
		"devices":    d.source.Registry.Len(),
	})
}

func (d deps) handleHighlightCSS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	if err := d.css.WriteCSS(w); err != nil {
		slog.Error("write highlight css", "error", err)
	}
}

// handleAssistant accepts one recording and runs the assistant turn to its
// terminal event. Progress goes to the device's stream, not the response.
func (d deps) handleAssistant(w http.ResponseWriter, r *http.Request) {
	device, err := fanout.DeviceID(r)
	if err != nil {
		fanout.RejectNoDevice(w)
		return
	}

	select {
	case d.runSem <- struct{}{}:
		defer func() { <-d.runSem }()
	default:
		metrics.RunsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	run, err := d.assistant.Start(device)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": failureMessage})
		return
	}

	data, status, err := d.readUpload(w, r)
	if err != nil {
		run.Abort(err)
		http.Error(w, err.Error(), status)
		return
	}

	if err = run.Execute(r.Context(), data); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": failureMessage})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": run.TurnID(), "len": len(data)})
}

// readUpload returns the audio field or the status to reject the request with.
func (d deps) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	if d.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, d.maxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, http.StatusBadRequest, pipeline.ErrAudioField
	}

	data, err := pipeline.ReadAudio(mr)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return data, http.StatusOK, nil
	case errors.As(err, &tooLarge):
		return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
	default:
		return nil, http.StatusBadRequest, err
	}
}

func registerTraceRoutes(mux *http.ServeMux, store traceReader) {
	mux.HandleFunc("GET /api/traces/runs", func(w http.ResponseWriter, r *http.Request) {
		device, ok := traceDevice(w, r, store)
		if !ok {
			return
		}
		limit := queryInt(r, "limit", defaultTraceRunLimit)
		offset := queryInt(r, "offset", 0)
		runs, total, err := store.ListRuns(r.Context(), string(device), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
	})

	mux.HandleFunc("GET /api/traces/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		device, ok := traceDevice(w, r, store)
		if !ok {
			return
		}
		run, spans, err := store.GetRun(r.Context(), string(device), r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "spans": spans})
	})
}

func traceDevice(w http.ResponseWriter, r *http.Request, store traceReader) (events.DeviceID, bool) {
	if store == nil {
		http.Error(w, "tracing disabled", http.StatusNotFound)
		return "", false
	}
	device, err := fanout.DeviceID(r)
	if err != nil {
		fanout.RejectNoDevice(w)
		return "", false
	}
	return device, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
