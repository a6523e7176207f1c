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

package actuator

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/constants"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/metrics"
)

const replicaGauges = `
# HELP fleet_current_replicas Current number of replicas
# TYPE fleet_current_replicas gauge
fleet_current_replicas{accelerator_type="H100"} %CURRENT%
# HELP fleet_desired_replicas Desired number of replicas
# TYPE fleet_desired_replicas gauge
fleet_desired_replicas{accelerator_type="H100"} %DESIRED%
`

func expectReplicaGauges(current, desired string) {
	expected := strings.NewReplacer("%CURRENT%", current, "%DESIRED%", desired).Replace(replicaGauges)
	Expect(testutil.GatherAndCompare(registry, strings.NewReader(expected),
		constants.FleetCurrentReplicas, constants.FleetDesiredReplicas)).To(Succeed())
}

var _ = Describe("Actuator", func() {
	var (
		ctx      context.Context
		cfg      Config
		actuator *ReplicaActuator
	)

	scaleUp := v1alpha1.ScalingDecision{Strategy: v1alpha1.StrategyScaleUp, Reason: v1alpha1.ReasonLatencyAboveTarget}
	scaleDown := v1alpha1.ScalingDecision{Strategy: v1alpha1.StrategyScaleDown, Reason: v1alpha1.ReasonCostAboveTarget}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = Config{Technology: "H100", InitialReplicas: 2, MinReplicas: 1, MaxReplicas: 4, Step: 1}
	})

	JustBeforeEach(func() {
		var err error
		actuator, err = NewActuator(cfg, metrics.NewMetricsEmitter())
		Expect(err).NotTo(HaveOccurred())
	})

	Context("Actuator initialization", func() {
		It("should start at the initial replica count", func() {
			Expect(actuator.FleetState().Replicas).To(Equal(2))
			Expect(actuator.FleetState().Technology).To(Equal("H100"))
			expectReplicaGauges("2", "2")
		})

		DescribeTable("should reject invalid bounds",
			func(mutate func(*Config), want string) {
				bad := cfg
				mutate(&bad)
				_, err := NewActuator(bad, nil)
				Expect(err).To(MatchError(ContainSubstring(want)))
			},
			Entry("no technology", func(c *Config) { c.Technology = "" }, "technology"),
			Entry("zero minimum", func(c *Config) { c.MinReplicas = 0 }, "minimum replicas"),
			Entry("max below min", func(c *Config) { c.MaxReplicas = 0 }, "maximum replicas"),
			Entry("initial out of range", func(c *Config) { c.InitialReplicas = 9 }, "initial replicas"),
			Entry("zero step", func(c *Config) { c.Step = 0 }, "scale step"),
		)
	})

	Context("Apply", func() {
		It("should add a step on scale up", func() {
			Expect(actuator.Apply(ctx, scaleUp)).To(Succeed())
			Expect(actuator.FleetState().Replicas).To(Equal(3))
			Expect(actuator.Applied()).To(Equal(1))
			expectReplicaGauges("2", "3")
		})

		It("should remove a step on scale down", func() {
			Expect(actuator.Apply(ctx, scaleDown)).To(Succeed())
			Expect(actuator.FleetState().Replicas).To(Equal(1))
		})

		It("should clamp to the configured bounds", func() {
			for range 5 {
				Expect(actuator.Apply(ctx, scaleUp)).To(Succeed())
			}
			Expect(actuator.FleetState().Replicas).To(Equal(4))
			Expect(actuator.Applied()).To(Equal(2))

			for range 10 {
				Expect(actuator.Apply(ctx, scaleDown)).To(Succeed())
			}
			Expect(actuator.FleetState().Replicas).To(Equal(1))
		})

		It("should ignore HOLD", func() {
			Expect(actuator.Apply(ctx, v1alpha1.ScalingDecision{Strategy: v1alpha1.StrategyHold})).To(Succeed())
			Expect(actuator.FleetState().Replicas).To(Equal(2))
			Expect(actuator.Applied()).To(BeZero())
		})

		It("should reject an unknown strategy", func() {
			Expect(actuator.Apply(ctx, v1alpha1.ScalingDecision{Strategy: "SIDEWAYS"})).NotTo(Succeed())
			Expect(actuator.FleetState().Replicas).To(Equal(2))
		})

		Context("with a larger step", func() {
			BeforeEach(func() {
				cfg.Step = 3
				cfg.MaxReplicas = 10
			})

			It("should move by the step", func() {
				Expect(actuator.Apply(ctx, scaleUp)).To(Succeed())
				Expect(actuator.FleetState().Replicas).To(Equal(5))
			})
		})

		It("should count scaling operations by direction", func() {
			Expect(actuator.Apply(ctx, scaleUp)).To(Succeed())
			count, err := testutil.GatherAndCount(registry, constants.FleetReplicaScalingTotal)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(BeNumerically(">=", 1))
		})
	})

	It("should work without a metrics emitter", func() {
		a, err := NewActuator(cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Apply(ctx, scaleUp)).To(Succeed())
		Expect(a.FleetState().Replicas).To(Equal(3))
	})
})
