// Package metrics exposes the Prometheus instrumentation for the stream
// data plane: ingest, relay, delivery, and segment pipeline activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder bundles the collectors for one process.
type Recorder struct {
	registry *prometheus.Registry

	framesIngested   *prometheus.CounterVec
	framesDropped    prometheus.Counter
	activePublishers prometheus.Gauge
	activeRelays     prometheus.Gauge
	activeViewers    *prometheus.GaugeVec

	segmentsWritten   prometheus.Counter
	segmentsEvicted   prometheus.Counter
	segmentPutErrors  prometheus.Counter
	segmentDelRetries prometheus.Counter

	relayRetries prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		framesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_frames_ingested_total",
			Help: "Frames accepted from publishers and relay pulls, by kind",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_frames_dropped_total",
			Help: "Frames discarded because a subscriber queue was full",
		}),
		activePublishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_active_publishers",
			Help: "Live publisher sessions hosted on this replica",
		}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycast_active_relays",
			Help: "Relay pull sessions currently held by this replica",
		}),
		activeViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relaycast_active_viewers",
			Help: "Viewer sessions attached on this replica, by protocol",
		}, []string{"protocol"}),
		segmentsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_segments_written_total",
			Help: "HLS segments flushed to storage",
		}),
		segmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_segments_evicted_total",
			Help: "HLS segments evicted from the live window",
		}),
		segmentPutErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_segment_put_errors_total",
			Help: "Segment writes that failed and left a playlist gap",
		}),
		segmentDelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_segment_delete_retries_total",
			Help: "Segment deletions re-attempted after a storage failure",
		}),
		relayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycast_relay_retries_total",
			Help: "Relay pull attempts retried after a transport failure",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycast_http_requests_total",
			Help: "HTTP requests served, by method, route, and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaycast_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	registry.MustRegister(
		r.framesIngested,
		r.framesDropped,
		r.activePublishers,
		r.activeRelays,
		r.activeViewers,
		r.segmentsWritten,
		r.segmentsEvicted,
		r.segmentPutErrors,
		r.segmentDelRetries,
		r.relayRetries,
		r.requestsTotal,
		r.requestDuration,
	)
	return r
}

var defaultRecorder = New()

// Default returns the process-wide Recorder shared by packages that do not
// carry an explicit instrumentation handle.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveFrame counts one ingested frame of the given kind.
func (r *Recorder) ObserveFrame(kind string) {
	r.framesIngested.WithLabelValues(kind).Inc()
}

// ObserveDroppedFrames adds to the dropped-frame counter.
func (r *Recorder) ObserveDroppedFrames(n uint64) {
	r.framesDropped.Add(float64(n))
}

// PublisherStarted and PublisherStopped track the publisher gauge.
func (r *Recorder) PublisherStarted() { r.activePublishers.Inc() }
func (r *Recorder) PublisherStopped() { r.activePublishers.Dec() }

// RelayStarted and RelayStopped track the relay session gauge.
func (r *Recorder) RelayStarted() { r.activeRelays.Inc() }
func (r *Recorder) RelayStopped() { r.activeRelays.Dec() }

// ViewerAttached and ViewerDetached track viewers by delivery protocol.
func (r *Recorder) ViewerAttached(protocol string) {
	r.activeViewers.WithLabelValues(protocol).Inc()
}

func (r *Recorder) ViewerDetached(protocol string) {
	r.activeViewers.WithLabelValues(protocol).Dec()
}

// ObserveSegmentWritten counts one flushed segment.
func (r *Recorder) ObserveSegmentWritten() { r.segmentsWritten.Inc() }

// ObserveSegmentEvicted counts one segment leaving the live window.
func (r *Recorder) ObserveSegmentEvicted() { r.segmentsEvicted.Inc() }

// ObserveSegmentPutError counts a failed segment write.
func (r *Recorder) ObserveSegmentPutError() { r.segmentPutErrors.Inc() }

// ObserveSegmentDeleteRetry counts a re-queued segment deletion.
func (r *Recorder) ObserveSegmentDeleteRetry() { r.segmentDelRetries.Inc() }

// ObserveRelayRetry counts one relay reconnect attempt.
func (r *Recorder) ObserveRelayRetry() { r.relayRetries.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
