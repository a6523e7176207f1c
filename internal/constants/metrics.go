// Package constants provides centralized constant definitions for the fleet controller.
package constants

// vLLM Input Metrics
// These metric names are used to query vLLM metrics from Prometheus when the
// convergence engine observes a real fleet instead of the in-process simulator.
const (
	// VLLMTimeToFirstTokenSecondsBucket is the TTFT histogram.
	// Used with histogram_quantile to compute the p95 TTFT.
	VLLMTimeToFirstTokenSecondsBucket = "vllm:time_to_first_token_seconds_bucket"

	// VLLMRequestSuccessTotal tracks the total number of successful requests.
	// Used with VLLMRequestFailureTotal to compute the error rate.
	VLLMRequestSuccessTotal = "vllm:request_success_total"

	// VLLMRequestFailureTotal tracks requests that finished with an error.
	VLLMRequestFailureTotal = "vllm:request_failure_total"

	// VLLMGenerationTokensTotal tracks generated tokens.
	// Used to compute fleet throughput in tokens per second.
	VLLMGenerationTokensTotal = "vllm:generation_tokens_total"

	// VLLMGPUCacheUsagePerc is the KV-cache utilization reported per pod.
	// Used as the fleet utilization input to the cost model.
	VLLMGPUCacheUsagePerc = "vllm:gpu_cache_usage_perc"
)

// Fleet Output Metrics
// These metric names are emitted to Prometheus and expose admission and
// convergence decisions for monitoring and alerting.
const (
	// FleetQueueDepth is a gauge of pending requests.
	// Labels: priority
	FleetQueueDepth = "fleet_queue_depth"

	// FleetQueueState is a gauge of the current QueueState ordinal (0=NOMINAL .. 3=OVERLOAD).
	FleetQueueState = "fleet_queue_state"

	// FleetQueueEfficiency is a gauge of the priority-weighted served/admitted ratio.
	FleetQueueEfficiency = "fleet_queue_efficiency_score"

	// FleetAdmissionsTotal is a counter of admission decisions.
	// Labels: action, priority
	FleetAdmissionsTotal = "fleet_admissions_total"

	// FleetShedTotal is a counter of requests evicted to admit higher priority work.
	// Labels: priority
	FleetShedTotal = "fleet_shed_total"

	// FleetConvergenceScore is a gauge of the smoothed convergence score.
	FleetConvergenceScore = "fleet_convergence_score"

	// FleetDeviation is a gauge of the last computed deviation from target.
	// Labels: dimension (latency, cost)
	FleetDeviation = "fleet_slo_deviation"

	// FleetStrategyDecisionsTotal is a counter of per-tick strategy selections.
	// Labels: strategy, reason
	FleetStrategyDecisionsTotal = "fleet_strategy_decisions_total"

	// FleetMetricsUnavailableTotal counts ticks that could not read a collaborator.
	// Labels: source
	FleetMetricsUnavailableTotal = "fleet_metrics_unavailable_total"

	// FleetReplicaScalingTotal is a counter that tracks the total number of scaling operations.
	// Labels: direction, reason, accelerator_type
	FleetReplicaScalingTotal = "fleet_replica_scaling_total"

	// FleetDesiredReplicas is a gauge that tracks the desired number of replicas.
	// Labels: accelerator_type
	FleetDesiredReplicas = "fleet_desired_replicas"

	// FleetCurrentReplicas is a gauge that tracks the current number of replicas.
	// Labels: accelerator_type
	FleetCurrentReplicas = "fleet_current_replicas"
)

// Metric Label Names
// Common label names used across metrics for consistency.
const (
	LabelModelName       = "model_name"
	LabelNamespace       = "namespace"
	LabelPriority        = "priority"
	LabelAction          = "action"
	LabelStrategy        = "strategy"
	LabelReason          = "reason"
	LabelDimension       = "dimension"
	LabelSource          = "source"
	LabelDirection       = "direction"
	LabelAcceleratorType = "accelerator_type"
)
