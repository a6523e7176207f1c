package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/constants"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

var (
	// Package-level metric collectors
	queueDepth             *prometheus.GaugeVec
	queueState             prometheus.Gauge
	queueEfficiency        prometheus.Gauge
	admissionsTotal        *prometheus.CounterVec
	shedTotal              *prometheus.CounterVec
	convergenceScore       prometheus.Gauge
	deviation              *prometheus.GaugeVec
	strategyDecisionsTotal *prometheus.CounterVec
	metricsUnavailable     *prometheus.CounterVec
	replicaScalingTotal    *prometheus.CounterVec
	desiredReplicas        *prometheus.GaugeVec
	currentReplicas        *prometheus.GaugeVec

	// Thread-safe initialization guards
	initOnce sync.Once
	initErr  error
)

const (
	// maxLabelLength is the maximum length for Prometheus label values
	// Values exceeding this will be truncated to prevent cardinality issues
	maxLabelLength = 128
	// unknownLabel is used as a fallback for empty or invalid label values
	unknownLabel = "unknown"
)

// sanitizeLabel sanitizes a label value to ensure it's valid for Prometheus.
// - Empty strings are replaced with "unknown"
// - Values exceeding maxLabelLength are truncated
// - Whitespace is trimmed
func sanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return unknownLabel
	}
	if len(value) > maxLabelLength {
		return value[:maxLabelLength]
	}
	return value
}

// InitMetrics registers all custom metrics with the provided registry.
// This function uses sync.Once to ensure metrics are only registered once,
// even if called multiple times concurrently.
//
// Note: If initialization fails, the application should not retry without restarting.
// Partial registration is not cleaned up automatically.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		queueDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: constants.FleetQueueDepth,
				Help: "Number of pending requests in the admission queue by priority",
			},
			[]string{constants.LabelPriority},
		)
		queueState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: constants.FleetQueueState,
			Help: "Current queue state (0=NOMINAL, 1=ELEVATED, 2=CRITICAL, 3=OVERLOAD)",
		})
		queueEfficiency = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: constants.FleetQueueEfficiency,
			Help: "Priority-weighted ratio of served to admitted requests over the trailing window",
		})
		admissionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.FleetAdmissionsTotal,
				Help: "Total number of admission decisions by flow control action and priority",
			},
			[]string{constants.LabelAction, constants.LabelPriority},
		)
		shedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.FleetShedTotal,
				Help: "Total number of queued requests evicted to admit higher priority work",
			},
			[]string{constants.LabelPriority},
		)
		convergenceScore = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: constants.FleetConvergenceScore,
			Help: "Smoothed convergence score in [0,1]; 1 means all targets are met exactly",
		})
		deviation = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: constants.FleetDeviation,
				Help: "Relative deviation of the observed value from its target",
			},
			[]string{constants.LabelDimension},
		)
		strategyDecisionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.FleetStrategyDecisionsTotal,
				Help: "Total number of convergence strategy decisions",
			},
			[]string{constants.LabelStrategy, constants.LabelReason},
		)
		metricsUnavailable = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.FleetMetricsUnavailableTotal,
				Help: "Total number of convergence ticks that could not read a collaborator",
			},
			[]string{constants.LabelSource},
		)
		replicaScalingTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: constants.FleetReplicaScalingTotal,
				Help: "Total number of replica scaling operations",
			},
			[]string{constants.LabelDirection, constants.LabelReason, constants.LabelAcceleratorType},
		)
		desiredReplicas = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: constants.FleetDesiredReplicas,
				Help: "Desired number of replicas",
			},
			[]string{constants.LabelAcceleratorType},
		)
		currentReplicas = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: constants.FleetCurrentReplicas,
				Help: "Current number of replicas",
			},
			[]string{constants.LabelAcceleratorType},
		)

		collectors := map[string]prometheus.Collector{
			"queueDepth":             queueDepth,
			"queueState":             queueState,
			"queueEfficiency":        queueEfficiency,
			"admissionsTotal":        admissionsTotal,
			"shedTotal":              shedTotal,
			"convergenceScore":       convergenceScore,
			"deviation":              deviation,
			"strategyDecisionsTotal": strategyDecisionsTotal,
			"metricsUnavailable":     metricsUnavailable,
			"replicaScalingTotal":    replicaScalingTotal,
			"desiredReplicas":        desiredReplicas,
			"currentReplicas":        currentReplicas,
		}
		for name, c := range collectors {
			if err := registry.Register(c); err != nil {
				initErr = fmt.Errorf("failed to register %s metric: %w", name, err)
				return
			}
		}
	})

	return initErr
}

// InitMetricsAndEmitter registers metrics with Prometheus and creates a metrics emitter
// This is a convenience function that handles both registration and emitter creation
func InitMetricsAndEmitter(registry prometheus.Registerer) (*MetricsEmitter, error) {
	if err := InitMetrics(registry); err != nil {
		return nil, err
	}
	return NewMetricsEmitter(), nil
}

// MetricsEmitter handles emission of custom metrics. A nil *MetricsEmitter is
// valid and emits nothing, so components can run without a registry.
type MetricsEmitter struct{}

// NewMetricsEmitter creates a new metrics emitter
func NewMetricsEmitter() *MetricsEmitter {
	return &MetricsEmitter{}
}

// EmitQueueMetrics publishes the gauges derived from a queue snapshot.
func (m *MetricsEmitter) EmitQueueMetrics(status interfaces.QueueStatus) error {
	if m == nil {
		return nil
	}
	if queueDepth == nil || queueState == nil || queueEfficiency == nil {
		return fmt.Errorf("queue metrics not initialized")
	}
	for _, p := range interfaces.Priorities() {
		queueDepth.WithLabelValues(p.String()).Set(float64(status.DepthByPriority[p]))
	}
	queueState.Set(float64(status.State))
	queueEfficiency.Set(status.EfficiencyScore)
	return nil
}

// EmitAdmission counts one admission decision.
func (m *MetricsEmitter) EmitAdmission(action interfaces.FlowControlAction, priority interfaces.Priority) error {
	if m == nil {
		return nil
	}
	if admissionsTotal == nil {
		return fmt.Errorf("admissionsTotal metric not initialized")
	}
	admissionsTotal.WithLabelValues(action.String(), sanitizeLabel(priority.String())).Inc()
	return nil
}

// EmitShed counts one eviction.
func (m *MetricsEmitter) EmitShed(priority interfaces.Priority) error {
	if m == nil {
		return nil
	}
	if shedTotal == nil {
		return fmt.Errorf("shedTotal metric not initialized")
	}
	shedTotal.WithLabelValues(sanitizeLabel(priority.String())).Inc()
	return nil
}

// EmitConvergenceMetrics publishes the score and deviations of a tick and
// counts its strategy decision.
// The ctx parameter is currently unused but reserved for future use (e.g., tracing, cancellation).
func (m *MetricsEmitter) EmitConvergenceMetrics(ctx context.Context, status *v1alpha1.ConvergenceStatus) error {
	_ = ctx
	if m == nil || status == nil {
		return nil
	}
	if convergenceScore == nil || deviation == nil || strategyDecisionsTotal == nil {
		return fmt.Errorf("convergence metrics not initialized")
	}
	convergenceScore.Set(status.ConvergenceScore)
	if status.MetricsAvailable {
		deviation.WithLabelValues("latency").Set(status.LatencyDeviation)
		deviation.WithLabelValues("cost").Set(status.CostDeviation)
	}
	strategyDecisionsTotal.WithLabelValues(string(status.Strategy), sanitizeLabel(status.Reason)).Inc()
	return nil
}

// EmitMetricsUnavailable counts a tick that could not read source.
func (m *MetricsEmitter) EmitMetricsUnavailable(source string) error {
	if m == nil {
		return nil
	}
	if metricsUnavailable == nil {
		return fmt.Errorf("metricsUnavailable metric not initialized")
	}
	metricsUnavailable.WithLabelValues(sanitizeLabel(source)).Inc()
	return nil
}

// EmitReplicaScalingMetrics emits metrics related to replica scaling.
// The ctx parameter is currently unused but reserved for future use (e.g., tracing, cancellation).
func (m *MetricsEmitter) EmitReplicaScalingMetrics(ctx context.Context, direction, reason, acceleratorType string) error {
	_ = ctx
	if m == nil {
		return nil
	}
	if replicaScalingTotal == nil {
		return fmt.Errorf("replicaScalingTotal metric not initialized")
	}
	replicaScalingTotal.With(prometheus.Labels{
		constants.LabelDirection:       sanitizeLabel(direction),
		constants.LabelReason:          sanitizeLabel(reason),
		constants.LabelAcceleratorType: sanitizeLabel(acceleratorType),
	}).Inc()
	return nil
}

// EmitReplicaMetrics emits current and desired replica metrics.
func (m *MetricsEmitter) EmitReplicaMetrics(ctx context.Context, current, desired int, acceleratorType string) error {
	_ = ctx
	if m == nil {
		return nil
	}
	if currentReplicas == nil || desiredReplicas == nil {
		return fmt.Errorf("replica metrics not initialized")
	}
	labels := prometheus.Labels{constants.LabelAcceleratorType: sanitizeLabel(acceleratorType)}
	currentReplicas.With(labels).Set(float64(current))
	desiredReplicas.With(labels).Set(float64(desired))
	return nil
}
