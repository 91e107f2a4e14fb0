package trace

import "time"

// Device is a browser session that has submitted at least one run.
type Device struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	RunCount  int       `json:"run_count,omitempty"`
}

// Run is one assistant request: upload through the terminal event.
type Run struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	TurnID     string    `json:"turn_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Status     string    `json:"status"`
	SpanCount  int       `json:"span_count,omitempty"`
}

// RunResult holds the fields written when a run finishes.
type RunResult struct {
	DurationMs float64
	Transcript string
	Reply      string
	Tool       string
	Status     string
}

// Span is one stage of a run.
type Span struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
