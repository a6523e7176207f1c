package costmodel

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

const (
	DefaultTargetUtilization       = 0.75
	DefaultDemandQuantile          = 0.95
	DefaultMigrationCostPerReplica = 25.0
)

// RightsizingOptions tunes RecommendRightsizing. Zero fields take defaults.
type RightsizingOptions struct {
	// TargetUtilization is the utilization each candidate is sized for.
	TargetUtilization float64
	// DemandQuantile selects the point of the utilization history that must be
	// served, e.g. 0.95 sizes for the p95 demand.
	DemandQuantile float64
	// MinMemory excludes profiles whose accelerator memory is smaller.
	MinMemory resource.Quantity
	// MaxReplicas excludes candidates that would need more replicas. Zero means no limit.
	MaxReplicas int
	// MigrationCostPerReplica is the one-off cost, in USD, of bringing up a
	// replica on a different technology. Staying on the current technology is free.
	MigrationCostPerReplica float64
}

func (o RightsizingOptions) withDefaults() RightsizingOptions {
	if o.TargetUtilization <= 0 || o.TargetUtilization > 1 {
		o.TargetUtilization = DefaultTargetUtilization
	}
	if o.DemandQuantile <= 0 || o.DemandQuantile > 1 {
		o.DemandQuantile = DefaultDemandQuantile
	}
	if o.MigrationCostPerReplica <= 0 {
		o.MigrationCostPerReplica = DefaultMigrationCostPerReplica
	}
	return o
}

// Recommendation is one candidate fleet shape.
type Recommendation struct {
	Technology string
	Replicas   int

	HourlyCost     float64
	SavingsPerHour float64
	// UnitCost is the projected USD per million tokens at the sized demand.
	UnitCost float64

	// ProjectedUtilization is the utilization at the sized demand quantile;
	// ProjectedMeanUtilization the one at the mean demand.
	ProjectedUtilization     float64
	ProjectedMeanUtilization float64

	// PaybackHours is the migration cost divided by the hourly savings. Zero
	// when no migration is needed, +Inf when the candidate saves nothing.
	PaybackHours float64
	Assumption   string
}

// RecommendRightsizing sizes every eligible profile for the demand observed in
// utilizationHistory (fractions of the current fleet's capacity) and returns
// the candidates ordered by hourly savings, largest first.
func RecommendRightsizing(
	current v1alpha1.TechnologyProfile,
	currentReplicas int,
	utilizationHistory []float64,
	profiles []v1alpha1.TechnologyProfile,
	opts RightsizingOptions,
) ([]Recommendation, error) {
	if len(utilizationHistory) == 0 {
		return nil, fmt.Errorf("%w: empty utilization history", interfaces.ErrInvalidUtilization)
	}
	if currentReplicas < 1 {
		return nil, fmt.Errorf("%w: replica count %d is below 1", interfaces.ErrInvalidUtilization, currentReplicas)
	}
	for i, u := range utilizationHistory {
		if !(u >= 0 && u <= 1) {
			return nil, fmt.Errorf("%w: sample %d is %v", interfaces.ErrInvalidUtilization, i, u)
		}
	}
	opts = opts.withDefaults()

	sorted := slices.Clone(utilizationHistory)
	sort.Float64s(sorted)
	capacity := EffectiveThroughput(current, 1, currentReplicas)
	peakDemand := stat.Quantile(opts.DemandQuantile, stat.Empirical, sorted, nil) * capacity
	meanDemand := stat.Mean(sorted, nil) * capacity
	currentHourly := HourlyCost(current, currentReplicas)

	assumption := fmt.Sprintf("sized for p%.0f demand at %.0f%% target utilization; migration costs $%.2f per replica on a new technology",
		opts.DemandQuantile*100, opts.TargetUtilization*100, opts.MigrationCostPerReplica)

	var recs []Recommendation
	for _, p := range profiles {
		if p.TokensPerSecond <= 0 {
			continue
		}
		if !opts.MinMemory.IsZero() && p.MemoryCapacity.Cmp(opts.MinMemory) < 0 {
			continue
		}
		replicas := requiredReplicas(p, peakDemand, opts.TargetUtilization)
		if opts.MaxReplicas > 0 && replicas > opts.MaxReplicas {
			continue
		}

		fullCapacity := EffectiveThroughput(p, 1, replicas)
		util := math.Min(1, peakDemand/fullCapacity)
		unitCost, err := ComputeUnitCost(p, util, replicas)
		if err != nil {
			return nil, err
		}

		hourly := HourlyCost(p, replicas)
		rec := Recommendation{
			Technology:               p.Name,
			Replicas:                 replicas,
			HourlyCost:               hourly,
			SavingsPerHour:           currentHourly - hourly,
			UnitCost:                 unitCost,
			ProjectedUtilization:     util,
			ProjectedMeanUtilization: math.Min(1, meanDemand/fullCapacity),
			Assumption:               assumption,
		}
		rec.PaybackHours = paybackHours(rec, p.Name != current.Name, opts.MigrationCostPerReplica)
		recs = append(recs, rec)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].SavingsPerHour != recs[j].SavingsPerHour {
			return recs[i].SavingsPerHour > recs[j].SavingsPerHour
		}
		return recs[i].Technology < recs[j].Technology
	})
	return recs, nil
}

// requiredReplicas is the smallest fleet that serves demand at or below the
// target utilization. Scaling efficiency falls with size, so the estimate is
// walked upward until it fits.
func requiredReplicas(p v1alpha1.TechnologyProfile, demand, target float64) int {
	n := max(1, int(math.Ceil(demand/(p.TokensPerSecond*target))))
	for EffectiveThroughput(p, target, n) < demand {
		n++
	}
	return n
}

func paybackHours(rec Recommendation, migrate bool, perReplica float64) float64 {
	if !migrate {
		return 0
	}
	if rec.SavingsPerHour <= 0 {
		return math.Inf(1)
	}
	return perReplica * float64(rec.Replicas) / rec.SavingsPerHour
}
