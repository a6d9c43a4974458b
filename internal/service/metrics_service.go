package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/rostersync/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the sync engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	syncState       *prometheus.GaugeVec
	remoteWrites    *prometheus.CounterVec
	feedEvents      *prometheus.CounterVec
	queueDepth      prometheus.Gauge

	requestCount         uint64
	requestDurationTotal uint64
}

// NewMetricsService registers the collectors on a private registry.
// mirrorFailures, when non-nil, is sampled on scrape.
func NewMetricsService(mirrorFailures func() float64) *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	syncState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sync_state",
		Help: "Current sync engine state, one-hot per state label",
	}, []string{"state"})

	remoteWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_remote_writes_total",
		Help: "Remote document writes by collection and outcome",
	}, []string{"collection", "outcome"})

	feedEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_feed_events_total",
		Help: "Change feed events by collection and resolution verdict",
	}, []string{"collection", "verdict"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_depth",
		Help: "Pending writes waiting for connectivity",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, syncState, remoteWrites, feedEvents, queueDepth, goroutines)

	if mirrorFailures != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "mirror_write_failures_total",
			Help: "Mirror writes dropped after persistence errors",
		}, mirrorFailures))
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		syncState:       syncState,
		remoteWrites:    remoteWrites,
		feedEvents:      feedEvents,
		queueDepth:      queueDepth,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for
// snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// SetSyncState flips the state gauge to the given state.
func (m *MetricsService) SetSyncState(state string) {
	if m == nil {
		return
	}
	for _, s := range []models.SyncState{models.SyncStateOnline, models.SyncStateSyncing, models.SyncStateOffline, models.SyncStateError} {
		v := 0.0
		if string(s) == state {
			v = 1.0
		}
		m.syncState.WithLabelValues(string(s)).Set(v)
	}
}

// IncRemoteWrite counts one remote write attempt outcome.
func (m *MetricsService) IncRemoteWrite(collection, outcome string) {
	if m == nil {
		return
	}
	m.remoteWrites.WithLabelValues(collection, outcome).Inc()
}

// IncFeedEvent counts one change feed event by its resolution verdict.
func (m *MetricsService) IncFeedEvent(collection, verdict string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(collection, verdict).Inc()
}

// SetQueueDepth tracks the pending write queue depth.
func (m *MetricsService) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// Snapshot returns aggregated request stats for the ops surface.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
