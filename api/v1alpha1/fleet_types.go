/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Strategy is the scaling strategy selected by the convergence engine for one tick.
type Strategy string

const (
	StrategyScaleUp   Strategy = "SCALE_UP"
	StrategyScaleDown Strategy = "SCALE_DOWN"
	StrategyHold      Strategy = "HOLD"
)

// Reasons attached to a ConvergenceStatus.
const (
	ReasonConverged          = "WithinTolerance"
	ReasonLatencyAboveTarget = "LatencyAboveTarget"
	ReasonCostAboveTarget    = "CostAboveTarget"
	ReasonScaleUpCooldown    = "ScaleUpCooldown"
	ReasonScaleDownCooldown  = "ScaleDownCooldown"
	ReasonOutsideBand        = "OutsideToleranceBand"
	ReasonQueueBacklog       = "QueueBacklog"
	ReasonMetricsUnavailable = "MetricsUnavailable"
	ReasonNotStarted         = "NotStarted"
)

// Violations reported alongside the strategy.
const (
	ViolationErrorRate  = "ErrorRateAboveTarget"
	ViolationThroughput = "ThroughputBelowTarget"
)

// SLOTargets is an immutable snapshot of the service-level and cost targets a
// convergence run steers toward. Reconfiguration replaces the whole value.
type SLOTargets struct {
	// TTFTP95Milliseconds is the ceiling for the p95 time-to-first-token.
	TTFTP95Milliseconds float64 `json:"ttftP95Ms" yaml:"ttftP95Ms"`

	// MaxErrorRatePercent is the highest tolerated error rate, in percent.
	MaxErrorRatePercent float64 `json:"maxErrorRatePercent" yaml:"maxErrorRatePercent"`

	// MinTokensPerSecond is the minimum fleet-wide generation throughput.
	MinTokensPerSecond float64 `json:"minTokensPerSecond" yaml:"minTokensPerSecond"`

	// CostPerMillionTokens is the target unit cost, in USD.
	CostPerMillionTokens float64 `json:"costPerMillionTokens" yaml:"costPerMillionTokens"`
}

// Validate checks that the targets can be used as deviation denominators.
func (t SLOTargets) Validate() error {
	var errs []error
	if t.TTFTP95Milliseconds <= 0 {
		errs = append(errs, fmt.Errorf("ttftP95Ms must be positive, got %v", t.TTFTP95Milliseconds))
	}
	if t.CostPerMillionTokens <= 0 {
		errs = append(errs, fmt.Errorf("costPerMillionTokens must be positive, got %v", t.CostPerMillionTokens))
	}
	if t.MaxErrorRatePercent < 0 || t.MaxErrorRatePercent > 100 {
		errs = append(errs, fmt.Errorf("maxErrorRatePercent must be within [0,100], got %v", t.MaxErrorRatePercent))
	}
	if t.MinTokensPerSecond < 0 {
		errs = append(errs, fmt.Errorf("minTokensPerSecond must not be negative, got %v", t.MinTokensPerSecond))
	}
	return utilerrors.NewAggregate(errs)
}

// TechnologyProfile describes one accelerator type available to the fleet.
type TechnologyProfile struct {
	// Name of the accelerator, e.g. "H100".
	Name string `json:"name" yaml:"name"`

	// MemoryCapacity of a single accelerator, e.g. "80Gi".
	MemoryCapacity resource.Quantity `json:"memoryCapacity" yaml:"memoryCapacity"`

	// CostPerHour of one replica, in USD.
	CostPerHour float64 `json:"costPerHour" yaml:"costPerHour"`

	// TokensPerSecond a single replica generates at full utilization.
	TokensPerSecond float64 `json:"tokensPerSecond" yaml:"tokensPerSecond"`
}

// Validate checks the profile for values the cost model cannot work with.
func (p TechnologyProfile) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, fmt.Errorf("profile name must not be empty"))
	}
	if p.CostPerHour < 0 {
		errs = append(errs, fmt.Errorf("profile %q: costPerHour must not be negative", p.Name))
	}
	if p.TokensPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("profile %q: tokensPerSecond must be positive", p.Name))
	}
	if p.MemoryCapacity.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("profile %q: memoryCapacity must be positive", p.Name))
	}
	return utilerrors.NewAggregate(errs)
}

// ScalingDecision is one strategy selection recorded by the convergence engine.
type ScalingDecision struct {
	Strategy  Strategy    `json:"strategy" yaml:"strategy"`
	Reason    string      `json:"reason" yaml:"reason"`
	Timestamp metav1.Time `json:"timestamp" yaml:"timestamp"`
}

// ConvergenceStatus is the engine's published state. A new value is built on
// every tick and swapped in whole; it is never mutated after publication.
type ConvergenceStatus struct {
	Strategy Strategy   `json:"strategy" yaml:"strategy"`
	Reason   string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	Targets  SLOTargets `json:"targets" yaml:"targets"`

	// ConvergenceScore is in [0,1]; 1 means observed metrics sit exactly on target.
	ConvergenceScore float64 `json:"convergenceScore" yaml:"convergenceScore"`

	LatencyDeviation float64 `json:"latencyDeviation" yaml:"latencyDeviation"`
	CostDeviation    float64 `json:"costDeviation" yaml:"costDeviation"`

	ObservedTTFTP95Milliseconds  float64 `json:"observedTtftP95Ms" yaml:"observedTtftP95Ms"`
	ObservedCostPerMillionTokens float64 `json:"observedCostPerMillionTokens" yaml:"observedCostPerMillionTokens"`
	ObservedErrorRatePercent     float64 `json:"observedErrorRatePercent" yaml:"observedErrorRatePercent"`
	ObservedTokensPerSecond      float64 `json:"observedTokensPerSecond" yaml:"observedTokensPerSecond"`

	QueueState string `json:"queueState,omitempty" yaml:"queueState,omitempty"`
	Replicas   int    `json:"replicas" yaml:"replicas"`
	Technology string `json:"technology,omitempty" yaml:"technology,omitempty"`

	// Violations lists SLO targets that are not met but do not drive the strategy
	// (error rate, throughput).
	Violations []string `json:"violations,omitempty" yaml:"violations,omitempty"`

	// MetricsAvailable is false when the tick could not read a collaborator.
	MetricsAvailable bool `json:"metricsAvailable" yaml:"metricsAvailable"`

	LastTickTime metav1.Time `json:"lastTickTime" yaml:"lastTickTime"`
	Tick         int64       `json:"tick" yaml:"tick"`
}

// DeepCopy returns an independent copy of the status.
func (in *ConvergenceStatus) DeepCopy() *ConvergenceStatus {
	if in == nil {
		return nil
	}
	out := *in
	if in.Violations != nil {
		out.Violations = make([]string, len(in.Violations))
		copy(out.Violations, in.Violations)
	}
	in.LastTickTime.DeepCopyInto(&out.LastTickTime)
	return &out
}
