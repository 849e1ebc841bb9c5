// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adiadia/pipeline-runtime/internal/domain"
)

var (
	initOnce sync.Once

	pipelinesTotalCounter     *prometheus.CounterVec
	stepsTotalCounter         *prometheus.CounterVec
	engineOperationDuration   *prometheus.HistogramVec
	conditionEvaluationsTotal *prometheus.CounterVec
	webhookDeliveriesTotal    *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		pipelinesTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipelines_total",
				Help: "Total number of pipeline status transitions by status.",
			},
			[]string{"status"},
		)

		stepsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steps_total",
				Help: "Total number of step status transitions by status.",
			},
			[]string{"status"},
		)

		engineOperationDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_operation_duration_seconds",
				Help:    "Duration of engine operations in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		)

		conditionEvaluationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "condition_evaluations_total",
				Help: "Total number of trigger condition evaluations by result.",
			},
			[]string{"result"},
		)

		webhookDeliveriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of terminal webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			pipelinesTotalCounter,
			stepsTotalCounter,
			engineOperationDuration,
			conditionEvaluationsTotal,
			webhookDeliveriesTotal,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.PipelineStatus{
			domain.PipelineCreated,
			domain.PipelineRunning,
			domain.PipelineCompleted,
			domain.PipelineCancelled,
		} {
			pipelinesTotalCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.StepStatus{
			domain.StepPending,
			domain.StepRunning,
			domain.StepCompleted,
			domain.StepFailed,
		} {
			stepsTotalCounter.WithLabelValues(string(status))
		}

		conditionEvaluationsTotal.WithLabelValues("true")
		conditionEvaluationsTotal.WithLabelValues("false")
	})
}

func IncPipelineStatus(status domain.PipelineStatus) {
	Init()
	pipelinesTotalCounter.WithLabelValues(string(status)).Inc()
}

func IncStepStatus(status domain.StepStatus) {
	Init()
	stepsTotalCounter.WithLabelValues(string(status)).Inc()
}

func ObserveEngineOperation(op string, d time.Duration) {
	Init()
	engineOperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

func IncConditionEvaluation(result bool) {
	Init()
	label := "false"
	if result {
		label = "true"
	}
	conditionEvaluationsTotal.WithLabelValues(label).Inc()
}

func IncWebhookDelivery(outcome string) {
	Init()
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}
