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

package controller

import (
	"fmt"
	"io"
	"math"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/costmodel"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/workload"
)

// Report summarizes a run. Times are rendered as RFC 3339 strings.
type Report struct {
	StartedAt  string                     `yaml:"startedAt"`
	FinishedAt string                     `yaml:"finishedAt"`
	Duration   string                     `yaml:"duration"`
	Fleet      FleetReport                `yaml:"fleet"`
	Queue      QueueReport                `yaml:"queue"`
	Workload   workload.Stats             `yaml:"workload"`
	Status     v1alpha1.ConvergenceStatus `yaml:"convergence"`
	Decisions  []DecisionReport           `yaml:"decisions,omitempty"`
	// Rightsizing is empty when too little utilization was observed.
	Rightsizing []RecommendationReport `yaml:"rightsizing,omitempty"`
}

type FleetReport struct {
	Technology string `yaml:"technology"`
	Replicas   int    `yaml:"replicas"`
	Scalings   int    `yaml:"scalings"`
}

type QueueReport struct {
	Depth           int     `yaml:"depth"`
	State           string  `yaml:"state"`
	EfficiencyScore float64 `yaml:"efficiencyScore"`
	Admitted        int64   `yaml:"admitted"`
	Served          int64   `yaml:"served"`
	Shed            int64   `yaml:"shed"`
	Rejected        int64   `yaml:"rejected"`
}

type DecisionReport struct {
	Strategy string `yaml:"strategy"`
	Reason   string `yaml:"reason"`
	At       string `yaml:"at"`
}

type RecommendationReport struct {
	Technology     string  `yaml:"technology"`
	Replicas       int     `yaml:"replicas"`
	HourlyCost     float64 `yaml:"hourlyCost"`
	SavingsPerHour float64 `yaml:"savingsPerHour"`
	UnitCost       float64 `yaml:"unitCostPerMillionTokens"`
	// PaybackHours is "never" when the candidate saves nothing.
	PaybackHours string `yaml:"paybackHours"`
}

// Report builds the run report from the components' current state.
func (fc *FleetController) Report() Report {
	now := fc.Clock.Now()
	started := fc.startedAt
	if started.IsZero() {
		started = now
	}
	qs := fc.Queue.GetQueueStatus()
	fleet := fc.Actuator.FleetState()

	r := Report{
		StartedAt:  started.UTC().Format(time.RFC3339),
		FinishedAt: now.UTC().Format(time.RFC3339),
		Duration:   now.Sub(started).Round(time.Millisecond).String(),
		Fleet: FleetReport{
			Technology: fleet.Technology,
			Replicas:   fleet.Replicas,
			Scalings:   fc.Actuator.Applied(),
		},
		Queue: QueueReport{
			Depth:           qs.Depth,
			State:           qs.State.String(),
			EfficiencyScore: qs.EfficiencyScore,
			Admitted:        qs.Admitted,
			Served:          qs.Served,
			Shed:            qs.Shed,
			Rejected:        qs.Rejected,
		},
		Workload: fc.Driver.Stats(),
		Status:   fc.Engine.GetConvergenceStatus(),
	}
	for _, d := range fc.Engine.Decisions() {
		r.Decisions = append(r.Decisions, DecisionReport{
			Strategy: string(d.Strategy),
			Reason:   d.Reason,
			At:       d.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	recs, err := fc.Rightsizing()
	if err == nil {
		for _, rec := range recs {
			payback := "never"
			if !math.IsInf(rec.PaybackHours, 1) {
				payback = fmt.Sprintf("%.1f", rec.PaybackHours)
			}
			r.Rightsizing = append(r.Rightsizing, RecommendationReport{
				Technology:     rec.Technology,
				Replicas:       rec.Replicas,
				HourlyCost:     rec.HourlyCost,
				SavingsPerHour: rec.SavingsPerHour,
				UnitCost:       rec.UnitCost,
				PaybackHours:   payback,
			})
		}
	}
	return r
}

// Rightsizing recommends fleet shapes for the utilization observed so far,
// expressed against the current fleet's capacity.
func (fc *FleetController) Rightsizing() ([]costmodel.Recommendation, error) {
	snap := fc.Store.Get()
	fleet := fc.Actuator.FleetState()
	current, ok := snap.Profile(fleet.Technology)
	if !ok {
		return nil, fmt.Errorf("unknown technology %q", fleet.Technology)
	}

	capacity := costmodel.EffectiveThroughput(current, 1, fleet.Replicas)
	samples := fc.history.list()
	history := make([]float64, 0, len(samples))
	for _, s := range samples {
		demand := s.utilization * costmodel.EffectiveThroughput(current, 1, s.replicas)
		history = append(history, math.Min(1, demand/capacity))
	}
	return costmodel.RecommendRightsizing(current, fleet.Replicas, history, snap.Profiles(), costmodel.RightsizingOptions{
		MaxReplicas: fc.Config.Fleet.MaxReplicas,
	})
}

// WriteReport renders the report as YAML.
func WriteReport(w io.Writer, r Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	return enc.Close()
}
