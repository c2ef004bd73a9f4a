package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gameserver_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gameserver_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session metrics
	actionsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gameserver_actions_applied_total",
			Help: "Total number of actions applied to the emulator",
		},
		[]string{"result"},
	)

	currentStep = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gameserver_session_step",
			Help: "Current step number of the live session",
		},
	)

	sessionResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gameserver_session_resets_total",
			Help: "Total number of session resets",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gameserver_request_queue_depth",
			Help: "Number of requests waiting for the game loop",
		},
	)

	// Checkpoint metrics
	checkpointSavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gameserver_checkpoint_saves_total",
			Help: "Total number of checkpoint saves",
		},
		[]string{"trigger", "result"},
	)

	checkpointSaveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gameserver_checkpoint_save_duration_seconds",
			Help:    "Checkpoint save duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"trigger"},
	)

	checkpointSavesCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gameserver_checkpoint_saves_coalesced_total",
			Help: "Auto-save triggers skipped because a save was already in flight",
		},
	)

	checkpointLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gameserver_checkpoint_loads_total",
			Help: "Total number of checkpoint loads",
		},
		[]string{"result"},
	)

	checkpointEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gameserver_checkpoint_evictions_total",
			Help: "Checkpoints deleted by retention",
		},
	)

	checkpointIndexRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gameserver_checkpoint_index_rebuilds_total",
			Help: "Checkpoint indexes rebuilt from a backend listing",
		},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gameserver_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gameserver_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			actionsAppliedTotal,
			currentStep,
			sessionResets,
			queueDepth,
			checkpointSavesTotal,
			checkpointSaveDuration,
			checkpointSavesCoalesced,
			checkpointLoadsTotal,
			checkpointEvictionsTotal,
			checkpointIndexRebuilds,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordActions records applied and failed actions
func RecordActions(applied, failed int) {
	if applied > 0 {
		actionsAppliedTotal.WithLabelValues("ok").Add(float64(applied))
	}
	if failed > 0 {
		actionsAppliedTotal.WithLabelValues("fault").Add(float64(failed))
	}
}

// SetCurrentStep sets the session step gauge
func SetCurrentStep(step int) {
	currentStep.Set(float64(step))
}

// RecordReset counts a session reset
func RecordReset() {
	sessionResets.Inc()
}

// SetQueueDepth sets the request queue gauge
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordCheckpointSave records a checkpoint save attempt
func RecordCheckpointSave(trigger string, err error, duration time.Duration) {
	checkpointSavesTotal.WithLabelValues(trigger, resultLabel(err)).Inc()
	checkpointSaveDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordCheckpointCoalesced counts a skipped auto-save trigger
func RecordCheckpointCoalesced() {
	checkpointSavesCoalesced.Inc()
}

// RecordCheckpointLoad records a checkpoint load attempt
func RecordCheckpointLoad(err error) {
	checkpointLoadsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordCheckpointEvictions counts checkpoints removed by retention
func RecordCheckpointEvictions(n int) {
	checkpointEvictionsTotal.Add(float64(n))
}

// RecordIndexRebuild counts an index rebuilt from a listing
func RecordIndexRebuild() {
	checkpointIndexRebuilds.Inc()
}

// SetMemoryUsage sets the memory usage gauge
func SetMemoryUsage(bytes uint64) {
	memoryUsage.Set(float64(bytes))
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}

// CollectRuntimeStats samples memory and goroutine gauges
func CollectRuntimeStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	SetMemoryUsage(m.Alloc)
	SetGoroutines(runtime.NumGoroutine())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
