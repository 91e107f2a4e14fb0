package trace

import (
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxIOLen = 500

// Writer is the persistence side of a Tracer. *Store implements it.
type Writer interface {
	TouchDevice(id string) error
	CreateRun(id, deviceID, turnID string) error
	UpdateRun(id string, res RunResult) error
	CreateSpan(sp Span) error
}

type traceMsg struct {
	kind string // "run_create", "run_update", "span"
	// run fields
	runID    string
	deviceID string
	turnID   string
	result   RunResult
	// span fields
	span Span
}

// Tracer writes trace data asynchronously via a buffered channel. Writes are
// dropped rather than blocking a run when the buffer is full.
// All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	w    Writer
	mu   sync.RWMutex
	ch   chan traceMsg
	done chan struct{}
	shut bool
}

// NewTracer creates a tracer writing to w. Must call Close when done.
func NewTracer(w Writer) *Tracer {
	t := &Tracer{
		w:    w,
		ch:   make(chan traceMsg, 256),
		done: make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func() error{
		"run_create": func() error {
			if err := t.w.TouchDevice(m.deviceID); err != nil {
				return err
			}
			return t.w.CreateRun(m.runID, m.deviceID, m.turnID)
		},
		"run_update": func() error { return t.w.UpdateRun(m.runID, m.result) },
		"span":       func() error { return t.w.CreateSpan(m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "error", err)
	}
}

func (t *Tracer) send(m traceMsg) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.shut {
		return
	}
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace buffer full, dropping", "kind", m.kind)
	}
}

// StartRun begins a new run for a device turn and returns its ID.
func (t *Tracer) StartRun(deviceID, turnID string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.send(traceMsg{kind: "run_create", runID: id, deviceID: deviceID, turnID: turnID})
	return id
}

// EndRun finalizes a run.
func (t *Tracer) EndRun(runID string, res RunResult) {
	if t == nil || runID == "" {
		return
	}
	res.Transcript = truncate(res.Transcript, maxIOLen)
	res.Reply = truncate(res.Reply, maxIOLen)
	t.send(traceMsg{kind: "run_update", runID: runID, result: res})
}

// RecordSpan records a completed span.
func (t *Tracer) RecordSpan(runID, name string, startedAt time.Time, durationMs float64, input, output, status, errMsg string) {
	if t == nil || runID == "" {
		return
	}
	t.send(traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			RunID:      runID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: durationMs,
			Input:      truncate(input, maxIOLen),
			Output:     truncate(output, maxIOLen),
			Status:     status,
			Error:      errMsg,
		},
	})
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.shut {
		t.mu.Unlock()
		return
	}
	t.shut = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
