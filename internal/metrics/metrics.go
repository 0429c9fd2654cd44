// Package metrics provides Prometheus metrics for the responder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracething"

// Drop reasons.
const (
	DropUnrelated     = "unrelated"
	DropMalformed     = "malformed"
	DropInvalidRouter = "invalid_router"
	DropRateLimited   = "rate_limited"
	DropQueueFull     = "queue_full"
)

// Metrics is safe to use through a nil pointer; every method is then a
// no-op.
type Metrics struct {
	ProbesReceived *prometheus.CounterVec
	ResponsesSent  *prometheus.CounterVec
	Drops          *prometheus.CounterVec
	TransmitErrors prometheus.Counter
	QueueDepth     prometheus.Gauge
	HandleDuration prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProbesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_received_total",
			Help:      "Echo requests decoded, by destination region",
		}, []string{"region"}),
		ResponsesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_sent_total",
			Help:      "Responses transmitted, by ICMPv6 message kind",
		}, []string{"kind"}),
		Drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Frames that produced no response, by reason",
		}, []string{"reason"}),
		TransmitErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transmit_errors_total",
			Help:      "Frames the capture handle failed to send",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Frames waiting in the intake queue",
		}),
		HandleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time from dequeue to transmit for one frame",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		}),
		gatherer: g,
	}
}

func (m *Metrics) RecordProbe(region string) {
	if m == nil {
		return
	}
	m.ProbesReceived.WithLabelValues(region).Inc()
}

func (m *Metrics) RecordResponse(kind string) {
	if m == nil {
		return
	}
	m.ResponsesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.Drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTransmitError() {
	if m == nil {
		return
	}
	m.TransmitErrors.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) ObserveHandle(d time.Duration) {
	if m == nil {
		return
	}
	m.HandleDuration.Observe(d.Seconds())
}

// Handler serves the registry the metrics were created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
