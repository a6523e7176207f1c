// Package costmodel converts accelerator profiles, utilization and replica
// counts into unit costs and rightsizing recommendations. Everything here is
// a pure function of its inputs.
package costmodel

import (
	"fmt"
	"math"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

const (
	// minEffectiveUtilization bounds the divisor so an idle fleet reports a
	// large but finite unit cost.
	minEffectiveUtilization = 0.01

	// scalingLossPerReplica is the throughput lost to coordination per replica
	// beyond the first.
	scalingLossPerReplica = 0.02
	minScalingEfficiency  = 0.5

	tokensPerMillion = 1e6
	secondsPerHour   = 3600
)

// ScalingEfficiency is the fraction of linear throughput a fleet of n replicas
// delivers.
func ScalingEfficiency(replicas int) float64 {
	if replicas <= 1 {
		return 1
	}
	return math.Max(minScalingEfficiency, 1-scalingLossPerReplica*float64(replicas-1))
}

// HourlyCost is the cost of running replicas of the profile for one hour.
func HourlyCost(profile v1alpha1.TechnologyProfile, replicas int) float64 {
	return profile.CostPerHour * float64(replicas)
}

// EffectiveThroughput is the tokens/second the fleet generates at the given
// utilization.
func EffectiveThroughput(profile v1alpha1.TechnologyProfile, utilization float64, replicas int) float64 {
	return profile.TokensPerSecond * float64(replicas) * utilization * ScalingEfficiency(replicas)
}

// ComputeUnitCost returns the cost in USD per million generated tokens for
// replicas of profile running at utilization. It fails with
// ErrInvalidUtilization when utilization is outside [0,1] or replicas < 1.
func ComputeUnitCost(profile v1alpha1.TechnologyProfile, utilization float64, replicas int) (float64, error) {
	if !(utilization >= 0 && utilization <= 1) {
		return 0, fmt.Errorf("%w: utilization %v is outside [0,1]", interfaces.ErrInvalidUtilization, utilization)
	}
	if replicas < 1 {
		return 0, fmt.Errorf("%w: replica count %d is below 1", interfaces.ErrInvalidUtilization, replicas)
	}
	if profile.TokensPerSecond <= 0 {
		return 0, fmt.Errorf("profile %q has no throughput", profile.Name)
	}

	throughput := EffectiveThroughput(profile, math.Max(utilization, minEffectiveUtilization), replicas)
	tokensPerHour := throughput * secondsPerHour
	return HourlyCost(profile, replicas) * tokensPerMillion / tokensPerHour, nil
}
