package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	schedulerPending  prometheus.Gauge
	schedulerEnqueued *prometheus.CounterVec
	schedulerSettled  *prometheus.CounterVec
	schedulerTaskTime *prometheus.HistogramVec
	schedulerWait     prometheus.Histogram

	retryAttempts *prometheus.CounterVec
	keyRotations  *prometheus.CounterVec
	suspensions   *prometheus.CounterVec
	activeKey     *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	loopTurns    *prometheus.CounterVec
	loopOutcomes *prometheus.CounterVec

	workerBusy *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			schedulerPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "lysis_scheduler_pending",
					Help: "Tasks waiting in the scheduler.",
				},
			),
			schedulerEnqueued: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_scheduler_enqueued_total",
					Help: "Tasks submitted to the scheduler by priority.",
				},
				[]string{"priority"},
			),
			schedulerSettled: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_scheduler_settled_total",
					Help: "Tasks settled by the scheduler by priority and status.",
				},
				[]string{"priority", "status"},
			),
			schedulerTaskTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lysis_scheduler_task_duration_seconds",
					Help:    "Task execution duration in seconds by priority.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"priority"},
			),
			schedulerWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lysis_scheduler_throttle_wait_seconds",
					Help:    "Time spent waiting on the minimum start gap.",
					Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.8, 1, 2, 5},
				},
			),
			retryAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_retry_attempts_total",
					Help: "Upstream call attempts by role and outcome.",
				},
				[]string{"role", "outcome"},
			),
			keyRotations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_key_rotations_total",
					Help: "Credential rotations by role.",
				},
				[]string{"role"},
			),
			suspensions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_suspensions_total",
					Help: "Operations suspended after key exhaustion by role.",
				},
				[]string{"role"},
			),
			activeKey: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lysis_active_key_index",
					Help: "Active credential index by role.",
				},
				[]string{"role"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_tool_execution_total",
					Help: "Tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lysis_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			loopTurns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_loop_turns_total",
					Help: "Model turns taken by tool loop configuration.",
				},
				[]string{"loop"},
			),
			loopOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lysis_loop_outcomes_total",
					Help: "Finished tool loops by configuration and outcome.",
				},
				[]string{"loop", "outcome"},
			),
			workerBusy: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lysis_worker_busy",
					Help: "1 while a worker is running a task.",
				},
				[]string{"worker"},
			),
		}

		prometheus.MustRegister(
			m.schedulerPending,
			m.schedulerEnqueued,
			m.schedulerSettled,
			m.schedulerTaskTime,
			m.schedulerWait,
			m.retryAttempts,
			m.keyRotations,
			m.suspensions,
			m.activeKey,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.loopTurns,
			m.loopOutcomes,
			m.workerBusy,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordSchedulerEnqueue(priority string, pending int) {
	m := getMetrics()
	m.schedulerEnqueued.WithLabelValues(priority).Inc()
	m.schedulerPending.Set(float64(pending))
}

func RecordSchedulerCompletion(priority string, duration time.Duration, success bool, pending int) {
	m := getMetrics()
	m.schedulerSettled.WithLabelValues(priority, statusLabel(success)).Inc()
	m.schedulerTaskTime.WithLabelValues(priority).Observe(duration.Seconds())
	m.schedulerPending.Set(float64(pending))
}

func RecordSchedulerWait(wait time.Duration) {
	getMetrics().schedulerWait.Observe(wait.Seconds())
}

// RecordRetryAttempt counts one upstream attempt. outcome is one of
// success, rate_limited, server_error or failed.
func RecordRetryAttempt(role, outcome string) {
	getMetrics().retryAttempts.WithLabelValues(role, outcome).Inc()
}

func RecordKeyRotation(role string, index int) {
	m := getMetrics()
	m.keyRotations.WithLabelValues(role).Inc()
	m.activeKey.WithLabelValues(role).Set(float64(index))
}

func SetActiveKey(role string, index int) {
	getMetrics().activeKey.WithLabelValues(role).Set(float64(index))
}

func RecordSuspension(role string) {
	getMetrics().suspensions.WithLabelValues(role).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordLoopTurn(loop string) {
	getMetrics().loopTurns.WithLabelValues(loop).Inc()
}

func RecordLoopOutcome(loop, outcome string) {
	getMetrics().loopOutcomes.WithLabelValues(loop, outcome).Inc()
}

func SetWorkerBusy(worker string, busy bool) {
	value := 0.0
	if busy {
		value = 1.0
	}
	getMetrics().workerBusy.WithLabelValues(worker).Set(value)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
