// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. All methods are safe on a nil
// receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Capture
	BytesCaptured *prometheus.CounterVec
	BytesDropped  *prometheus.CounterVec

	// Sessions
	SessionsStarted prometheus.Counter
	SessionsActive  prometheus.Gauge

	// Chunking
	ChunksProduced  prometheus.Counter
	ChunksDiscarded prometheus.Counter
	ChunkDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge

	// Transcription
	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram

	// Translation
	TranslationRequests prometheus.Counter
	TranslationFailures prometheus.Counter
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BytesCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_capture_bytes_total",
			Help: "Bytes delivered by capture devices",
		}, []string{"source"}),
		BytesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_capture_dropped_bytes_total",
			Help: "Bytes discarded by ingest buffer overflow",
		}, []string{"source"}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Recording sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_sessions_active",
			Help: "Recording sessions currently running",
		}),

		ChunksProduced: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_produced_total",
			Help: "Chunks handed to the dispatch queue",
		}),
		ChunksDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_discarded_total",
			Help: "Trailing chunks discarded below the minimum size",
		}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_chunk_duration_seconds",
			Help:    "Duration of produced chunks",
			Buckets: prometheus.LinearBuckets(5, 15, 20), // 5s to 300s
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_dispatch_queue_depth",
			Help: "Chunks waiting for transcription",
		}),

		TranscriptionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcription_requests_total",
			Help: "Chunks sent to the transcriber",
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_transcription_failures_total",
			Help: "Chunks whose transcription failed",
		}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_transcription_duration_seconds",
			Help:    "Time spent transcribing one chunk",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		TranslationRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_translation_requests_total",
			Help: "Segments sent for translation",
		}),
		TranslationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_translation_failures_total",
			Help: "Segments whose translation failed",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AddCaptured(source string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesCaptured.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) AddDropped(source string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesDropped.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

func (m *Metrics) ChunkProduced(d time.Duration) {
	if m == nil {
		return
	}
	m.ChunksProduced.Inc()
	m.ChunkDuration.Observe(d.Seconds())
}

func (m *Metrics) ChunkDiscarded() {
	if m == nil {
		return
	}
	m.ChunksDiscarded.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveTranscription records one transcriber call.
func (m *Metrics) ObserveTranscription(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
	m.TranscriptionDuration.Observe(d.Seconds())
	if err != nil {
		m.TranscriptionFailures.Inc()
	}
}

func (m *Metrics) ObserveTranslation(err error) {
	if m == nil {
		return
	}
	m.TranslationRequests.Inc()
	if err != nil {
		m.TranslationFailures.Inc()
	}
}
