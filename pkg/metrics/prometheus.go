// Package metrics provides Prometheus metrics for the pitwall race twin service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector exported by the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Ingestion
	framesAccepted      *prometheus.CounterVec
	framesRejected      *prometheus.CounterVec
	framesDuplicate     prometheus.Counter
	normalizeLatency    prometheus.Histogram
	consecutiveFailures prometheus.Gauge
	sourceConnected     prometheus.Gauge
	sourceReconnects    *prometheus.CounterVec
	fallbacks           prometheus.Counter
	raceEvents          *prometheus.CounterVec

	// Twins
	twinUpdateLatency *prometheus.HistogramVec
	twinUpdateErrors  *prometheus.CounterVec
	budgetExceeded    *prometheus.CounterVec
	pitStopsDetected  *prometheus.CounterVec
	opportunities     prometheus.Gauge

	// Coordinator
	commits            prometheus.Counter
	snapshotSequence   prometheus.Gauge
	consistencyWarns   prometheus.Counter
	persistLatency     prometheus.Histogram
	persistFailures    prometheus.Counter
	persistGeneration  prometheus.Gauge
	recoveries         *prometheus.CounterVec
	health             prometheus.Gauge
	auditRecords       *prometheus.CounterVec
	auditWriteFailures prometheus.Counter

	// Queues
	queueDepth   *prometheus.GaugeVec
	queueDropped *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Process
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// customRegistry keeps the default Go collectors out of /healthz.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // process-wide registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "pitwall",
		subsystem:        "core",
		histogramBuckets: []float64{1, 2.5, 5, 10, 25, 50, 100, 200, 300, 500, 1000},
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels, Buckets: m.histogramBuckets}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.framesAccepted = auto.NewCounterVec(m.counterOpts("frames_accepted_total", "Telemetry frames accepted after validation"), []string{"source"})
	m.framesRejected = auto.NewCounterVec(m.counterOpts("frames_rejected_total", "Telemetry samples rejected by validation"), []string{"source", "reason"})
	m.framesDuplicate = auto.NewCounter(m.counterOpts("frames_duplicate_total", "Duplicate telemetry frames dropped before broadcast"))
	m.normalizeLatency = auto.NewHistogram(m.histogramOpts("normalize_latency_milliseconds", "Time to validate and normalize one raw sample"))
	m.consecutiveFailures = auto.NewGauge(m.gaugeOpts("ingest_consecutive_failures", "Consecutive rejected samples on the active source"))
	m.sourceConnected = auto.NewGauge(m.gaugeOpts("source_connected", "1 when the active telemetry source is connected"))
	m.sourceReconnects = auto.NewCounterVec(m.counterOpts("source_reconnects_total", "Reconnect attempts per source protocol"), []string{"protocol"})
	m.fallbacks = auto.NewCounter(m.counterOpts("fallbacks_total", "Switches to the simulated telemetry source"))
	m.raceEvents = auto.NewCounterVec(m.counterOpts("race_events_total", "Race events observed by type"), []string{"type"})

	m.twinUpdateLatency = auto.NewHistogramVec(m.histogramOpts("twin_update_latency_milliseconds", "Twin update latency"), []string{"twin"})
	m.twinUpdateErrors = auto.NewCounterVec(m.counterOpts("twin_update_errors_total", "Twin updates that left state unchanged due to an error"), []string{"twin"})
	m.budgetExceeded = auto.NewCounterVec(m.counterOpts("latency_budget_exceeded_total", "Soft latency budget violations"), []string{"stage"})
	m.pitStopsDetected = auto.NewCounterVec(m.counterOpts("pit_stops_detected_total", "Pit stops detected from tire age resets"), []string{"twin"})
	m.opportunities = auto.NewGauge(m.gaugeOpts("strategic_opportunities", "Currently open strategic opportunities"))

	m.commits = auto.NewCounter(m.counterOpts("commits_total", "Snapshots committed by the coordinator"))
	m.snapshotSequence = auto.NewGauge(m.gaugeOpts("snapshot_sequence", "Sequence number of the current snapshot"))
	m.consistencyWarns = auto.NewCounter(m.counterOpts("consistency_warnings_total", "Lap mismatches between car and field twins"))
	m.persistLatency = auto.NewHistogram(m.histogramOpts("persist_latency_milliseconds", "Snapshot generation write latency"))
	m.persistFailures = auto.NewCounter(m.counterOpts("persist_failures_total", "Failed snapshot persists"))
	m.persistGeneration = auto.NewGauge(m.gaugeOpts("persist_generation_sequence", "Sequence of the newest durable generation"))
	m.recoveries = auto.NewCounterVec(m.counterOpts("recoveries_total", "Startup recoveries by outcome"), []string{"outcome"})
	m.health = auto.NewGauge(m.gaugeOpts("health", "0 ok, 1 degraded"))
	m.auditRecords = auto.NewCounterVec(m.counterOpts("audit_records_total", "Audit records appended by cause"), []string{"cause"})
	m.auditWriteFailures = auto.NewCounter(m.counterOpts("audit_write_failures_total", "Audit appends that failed"))

	m.queueDepth = auto.NewGaugeVec(m.gaugeOpts("queue_depth", "Messages waiting per twin queue"), []string{"queue"})
	m.queueDropped = auto.NewCounterVec(m.counterOpts("queue_dropped_total", "Messages refused by a full or closed queue"), []string{"queue", "reason"})

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total", "HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration"), []string{"endpoint", "method", "status_code"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "Heap bytes in use"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
}

// RecordFrameAccepted counts an accepted frame from source.
func RecordFrameAccepted(source string) {
	globalManager.framesAccepted.WithLabelValues(source).Inc()
}

// RecordFrameRejected counts a rejected sample with its reason.
func RecordFrameRejected(source, reason string) {
	globalManager.framesRejected.WithLabelValues(source, reason).Inc()
}

// RecordFrameDuplicate counts a dropped duplicate frame.
func RecordFrameDuplicate() {
	globalManager.framesDuplicate.Inc()
}

// RecordNormalizeLatency records normalization latency in milliseconds.
func RecordNormalizeLatency(ms float64) {
	globalManager.normalizeLatency.Observe(ms)
}

// UpdateConsecutiveFailures sets the consecutive failure gauge.
func UpdateConsecutiveFailures(n int) {
	globalManager.consecutiveFailures.Set(float64(n))
}

// UpdateSourceConnected flips the connection gauge.
func UpdateSourceConnected(connected bool) {
	globalManager.sourceConnected.Set(boolToFloat(connected))
}

// RecordSourceReconnect counts a reconnect attempt.
func RecordSourceReconnect(protocol string) {
	globalManager.sourceReconnects.WithLabelValues(protocol).Inc()
}

// RecordFallback counts a switch to the simulated source.
func RecordFallback() {
	globalManager.fallbacks.Inc()
}

// RecordRaceEvent counts a race event by type.
func RecordRaceEvent(eventType string) {
	globalManager.raceEvents.WithLabelValues(eventType).Inc()
}

// RecordTwinUpdateLatency records one twin update duration in milliseconds.
func RecordTwinUpdateLatency(twin string, ms float64) {
	globalManager.twinUpdateLatency.WithLabelValues(twin).Observe(ms)
}

// RecordTwinUpdateError counts a failed twin update.
func RecordTwinUpdateError(twin string) {
	globalManager.twinUpdateErrors.WithLabelValues(twin).Inc()
}

// RecordBudgetExceeded counts a soft budget violation for stage.
func RecordBudgetExceeded(stage string) {
	globalManager.budgetExceeded.WithLabelValues(stage).Inc()
}

// RecordPitStop counts a detected pit stop.
func RecordPitStop(twin string) {
	globalManager.pitStopsDetected.WithLabelValues(twin).Inc()
}

// UpdateOpportunities sets the number of open opportunities.
func UpdateOpportunities(n int) {
	globalManager.opportunities.Set(float64(n))
}

// RecordCommit counts a commit and publishes its sequence.
func RecordCommit(sequence uint64) {
	globalManager.commits.Inc()
	globalManager.snapshotSequence.Set(float64(sequence))
}

// RecordConsistencyWarning counts a cross-twin lap mismatch.
func RecordConsistencyWarning() {
	globalManager.consistencyWarns.Inc()
}

// RecordPersist records a successful persist of the given sequence.
func RecordPersist(sequence uint64, ms float64) {
	globalManager.persistLatency.Observe(ms)
	globalManager.persistGeneration.Set(float64(sequence))
}

// RecordPersistFailure counts a failed persist.
func RecordPersistFailure() {
	globalManager.persistFailures.Inc()
}

// RecordRecovery counts a startup recovery by outcome (restored, empty, failed).
func RecordRecovery(outcome string) {
	globalManager.recoveries.WithLabelValues(outcome).Inc()
}

// UpdateHealth sets the health gauge.
func UpdateHealth(degraded bool) {
	globalManager.health.Set(boolToFloat(degraded))
}

// RecordAuditRecord counts an appended audit record.
func RecordAuditRecord(cause string) {
	globalManager.auditRecords.WithLabelValues(cause).Inc()
}

// RecordAuditWriteFailure counts a failed audit append.
func RecordAuditWriteFailure() {
	globalManager.auditWriteFailures.Inc()
}

// UpdateQueueDepth sets the depth of a twin queue.
func UpdateQueueDepth(queue string, depth int) {
	globalManager.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueDropped counts a refused message.
func RecordQueueDropped(queue, reason string) {
	globalManager.queueDropped.WithLabelValues(queue, reason).Inc()
}

// RecordHTTPRequest records an HTTP request and its duration.
func RecordHTTPRequest(endpoint, method, statusCode string, ms float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(ms)
}

// UpdateSystemMemoryUsage sets heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the registry served on /healthz.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
