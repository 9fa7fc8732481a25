package omcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "omcp"

// Frame error reasons reported on omcp_sse_frame_errors_total.
const (
	frameErrorEncoding         = "invalid_encoding"
	frameErrorLineTooLong      = "line_too_long"
	frameErrorUnsupportedEvent = "unsupported_event"
	frameErrorInvalidEndpoint  = "invalid_endpoint"
	frameErrorOther            = "other"
)

type pumpMetrics struct {
	events      *prometheus.CounterVec
	reconnects  prometheus.Counter
	frameErrors *prometheus.CounterVec
}

// newPumpMetrics creates the event pump collectors. With a nil registerer they are
// created but never registered.
func newPumpMetrics(reg prometheus.Registerer) *pumpMetrics {
	f := promauto.With(reg)
	return &pumpMetrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sse",
			Name:      "events_total",
			Help:      "Number of events published by the SSE event pump, by kind.",
		}, []string{"kind"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sse",
			Name:      "reconnects_total",
			Help:      "Number of attempts to reopen a dropped SSE stream.",
		}),
		frameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sse",
			Name:      "frame_errors_total",
			Help:      "Number of SSE lines or frames dropped by the event pump, by reason.",
		}, []string{"reason"}),
	}
}
