package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "assistant_runs_active",
		Help: "Currently executing assistant runs",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_runs_total",
		Help: "Finished assistant runs by outcome",
	}, []string{"outcome"})

	RunsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assistant_runs_rejected_total",
		Help: "Uploads rejected because the server was at capacity",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assistant_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assistant_run_duration_seconds",
		Help:    "End-to-end latency from upload to terminal event",
		Buckets: []float64{0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 20.0, 40.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_tool_calls_total",
		Help: "Tool dispatches by tool name",
	}, []string{"tool"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_published_total",
		Help: "Events published to device buses by record type",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_events_dropped_total",
		Help: "Events dropped from lagging subscriptions",
	})

	Devices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_devices",
		Help: "Device buses held by the registry",
	})

	StreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fanout_streams_active",
		Help: "Open subscriber streams by transport",
	}, []string{"transport"})

	MediaBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_media_bytes_total",
		Help: "Bytes written to media storage by kind",
	}, []string{"kind"})
)
