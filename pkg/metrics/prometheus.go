// Package metrics provides Prometheus metrics for the forecasting engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by callers.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// defaultLatencyBuckets are milliseconds; spectral training on a few hundred
// points is sub-millisecond, grid searches run into seconds.
var defaultLatencyBuckets = []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000, 30000}

// Manager manages all Prometheus metrics for the engine.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Model lifecycle
	trainings        *prometheus.CounterVec
	trainingLatency  *prometheus.HistogramVec
	predictions      *prometheus.CounterVec
	powerIterStalled prometheus.Counter

	// Validation and tuning
	cvRuns            prometheus.Counter
	cvFoldFailures    prometheus.Counter
	tuningCandidates  *prometheus.CounterVec
	tuningDuration    prometheus.Histogram
	tuningBestMAPE    prometheus.Gauge
	ensembleDropouts  prometheus.Counter
	ensembleWeightSum prometheus.Gauge
	ensembleReweights prometheus.Counter

	// Monitoring
	monitorAlerts    *prometheus.CounterVec
	monitorMeanError *prometheus.GaugeVec
	modelDrift       *prometheus.GaugeVec

	// Online learning
	onlineUpdates  *prometheus.CounterVec
	onlineRetrains *prometheus.CounterVec
	dateGaps       *prometheus.CounterVec
	duplicates     prometheus.Counter

	// Recovery
	recoveryAttempts *prometheus.CounterVec
	errorHistorySize *prometheus.GaugeVec

	// Worker pool
	queueCapacity     prometheus.Gauge
	queueSize         prometheus.Gauge
	queueRejected     prometheus.Counter
	workerActiveCount prometheus.Gauge
	workerTaskLatency prometheus.Histogram
	workerTaskErrors  prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "demandcast",
		subsystem:        "engine",
		histogramBuckets: defaultLatencyBuckets,
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() {
	m.trainings = m.counterVec("trainings_total", "Model training attempts by kind and status", "kind", "status")
	m.trainingLatency = m.histogramVec("training_latency_milliseconds", "Model training latency in milliseconds", "kind")
	m.predictions = m.counterVec("predictions_total", "Forecast calls by kind and status", "kind", "status")
	m.powerIterStalled = m.counter("power_iteration_unconverged_total", "Eigen extractions that hit the iteration budget")

	m.cvRuns = m.counter("cross_validation_runs_total", "Cross-validation runs")
	m.cvFoldFailures = m.counter("cross_validation_fold_failures_total", "Folds skipped because training or evaluation failed")
	m.tuningCandidates = m.counterVec("tuning_candidates_total", "Grid-search candidates evaluated by status", "status")
	m.tuningDuration = m.histogram("tuning_duration_milliseconds", "Grid-search wall time in milliseconds")
	m.tuningBestMAPE = m.gauge("tuning_best_mape", "Best mean cross-validated MAPE of the last grid search")
	m.ensembleDropouts = m.counter("ensemble_member_dropouts_total", "Ensemble members that returned no forecast")
	m.ensembleWeightSum = m.gauge("ensemble_weight_sum", "Sum of renormalized weights used by the last ensemble forecast")
	m.ensembleReweights = m.counter("ensemble_reweights_total", "Ensemble weight updates triggered by drift")

	m.monitorAlerts = m.counterVec("monitor_alerts_total", "Degradation alerts raised", "model")
	m.monitorMeanError = m.gaugeVec("monitor_mean_error", "Rolling mean absolute percentage error", "model")
	m.modelDrift = m.gaugeVec("model_drift", "Relative change of recent versus older error", "model")

	m.onlineUpdates = m.counterVec("online_updates_total", "Observations applied by online learners", "status")
	m.onlineRetrains = m.counterVec("online_retrains_total", "Online retrains by status", "status")
	m.dateGaps = m.counterVec("date_gaps_total", "Gaps longer than one day between consecutive observations", "entity")
	m.duplicates = m.counter("duplicate_observations_total", "Observations rejected as duplicate dates")

	m.recoveryAttempts = m.counterVec("recovery_attempts_total", "Recovery attempts by error kind, operation and outcome", "kind", "operation", "outcome")
	m.errorHistorySize = m.gaugeVec("error_history_size", "Records held in an error handler history", "model")

	m.queueCapacity = m.gauge("queue_capacity", "Task queue capacity")
	m.queueSize = m.gauge("queue_size", "Tasks waiting in the queue")
	m.queueRejected = m.counter("queue_rejected_total", "Tasks rejected because the queue was full or closed")
	m.workerActiveCount = m.gauge("worker_active_count", "Workers currently running")
	m.workerTaskLatency = m.histogram("worker_task_latency_milliseconds", "Task execution latency in milliseconds")
	m.workerTaskErrors = m.counter("worker_task_errors_total", "Tasks that returned an error")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
}

// RecordTraining records a training attempt.
func RecordTraining(kind, status string, latencyMs float64) {
	globalManager.trainings.WithLabelValues(kind, status).Inc()
	globalManager.trainingLatency.WithLabelValues(kind).Observe(latencyMs)
}

// RecordPrediction records a forecast call.
func RecordPrediction(kind, status string) {
	globalManager.predictions.WithLabelValues(kind, status).Inc()
}

// RecordPowerIterationStalled counts eigen extractions that ran out of iterations.
func RecordPowerIterationStalled() {
	globalManager.powerIterStalled.Inc()
}

// RecordCrossValidation records a validation run and its skipped folds.
func RecordCrossValidation(failedFolds int) {
	globalManager.cvRuns.Inc()
	globalManager.cvFoldFailures.Add(float64(failedFolds))
}

// RecordTuningCandidate counts an evaluated candidate.
func RecordTuningCandidate(status string) {
	globalManager.tuningCandidates.WithLabelValues(status).Inc()
}

// RecordTuningRun records a finished grid search.
func RecordTuningRun(durationMs, bestMAPE float64) {
	globalManager.tuningDuration.Observe(durationMs)
	globalManager.tuningBestMAPE.Set(bestMAPE)
}

// RecordEnsembleForecast records member dropouts and the weight sum used.
func RecordEnsembleForecast(dropouts int, weightSum float64) {
	globalManager.ensembleDropouts.Add(float64(dropouts))
	globalManager.ensembleWeightSum.Set(weightSum)
}

// RecordEnsembleReweight counts an adaptive weight update.
func RecordEnsembleReweight() {
	globalManager.ensembleReweights.Inc()
}

// RecordMonitorAlert counts a degradation alert.
func RecordMonitorAlert(model string) {
	globalManager.monitorAlerts.WithLabelValues(model).Inc()
}

// UpdateModelPerformance publishes rolling error and drift.
func UpdateModelPerformance(model string, meanError, drift float64) {
	globalManager.monitorMeanError.WithLabelValues(model).Set(meanError)
	globalManager.modelDrift.WithLabelValues(model).Set(drift)
}

// RecordOnlineUpdate counts an applied observation.
func RecordOnlineUpdate(status string) {
	globalManager.onlineUpdates.WithLabelValues(status).Inc()
}

// RecordOnlineRetrain counts a window retrain.
func RecordOnlineRetrain(status string) {
	globalManager.onlineRetrains.WithLabelValues(status).Inc()
}

// RecordDateGap counts a gap in an entity's series.
func RecordDateGap(entity string) {
	globalManager.dateGaps.WithLabelValues(entity).Inc()
}

// RecordDuplicateObservation counts a rejected duplicate.
func RecordDuplicateObservation() {
	globalManager.duplicates.Inc()
}

// RecordRecoveryAttempt counts a recovery decision.
func RecordRecoveryAttempt(kind, operation, outcome string) {
	globalManager.recoveryAttempts.WithLabelValues(kind, operation, outcome).Inc()
}

// UpdateErrorHistorySize publishes the size of a model's error history.
func UpdateErrorHistorySize(model string, size int) {
	globalManager.errorHistorySize.WithLabelValues(model).Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// RecordQueueRejected counts a rejected task.
func RecordQueueRejected() {
	globalManager.queueRejected.Inc()
}

// AddWorkerActive adjusts the running worker gauge.
func AddWorkerActive(delta int) {
	globalManager.workerActiveCount.Add(float64(delta))
}

// RecordWorkerTask records task latency and failure.
func RecordWorkerTask(latencyMs float64, failed bool) {
	globalManager.workerTaskLatency.Observe(latencyMs)
	if failed {
		globalManager.workerTaskErrors.Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
}

// GetRegistry returns the custom registry used by the global manager.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
