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

// Package actuator applies convergence decisions to the fleet's replica count
// and emits the resulting replica metrics.
package actuator

import (
	"context"
	"fmt"
	"sync"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/metrics"
)

// Config bounds the replica count.
type Config struct {
	Technology      string
	InitialReplicas int
	MinReplicas     int
	MaxReplicas     int
	// Step is the number of replicas added or removed per decision.
	Step int
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.Technology == "" {
		return fmt.Errorf("technology must not be empty")
	}
	if c.MinReplicas < 1 {
		return fmt.Errorf("minimum replicas must be at least 1, got %d", c.MinReplicas)
	}
	if c.MaxReplicas < c.MinReplicas {
		return fmt.Errorf("maximum replicas %d is below minimum %d", c.MaxReplicas, c.MinReplicas)
	}
	if c.InitialReplicas < c.MinReplicas || c.InitialReplicas > c.MaxReplicas {
		return fmt.Errorf("initial replicas %d is outside [%d,%d]", c.InitialReplicas, c.MinReplicas, c.MaxReplicas)
	}
	if c.Step < 1 {
		return fmt.Errorf("scale step must be at least 1, got %d", c.Step)
	}
	return nil
}

// ReplicaActuator owns the simulated fleet shape. It implements both
// interfaces.Actuator and interfaces.FleetStateReader.
type ReplicaActuator struct {
	MetricsEmitter *metrics.MetricsEmitter

	mu       sync.RWMutex
	cfg      Config
	replicas int
	applied  int
}

// NewActuator validates cfg and returns an actuator at InitialReplicas. A nil
// emitter disables replica metrics.
func NewActuator(cfg Config, emitter *metrics.MetricsEmitter) (*ReplicaActuator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid actuator config: %w", err)
	}
	a := &ReplicaActuator{
		MetricsEmitter: emitter,
		cfg:            cfg,
		replicas:       cfg.InitialReplicas,
	}
	if err := a.MetricsEmitter.EmitReplicaMetrics(context.Background(), a.replicas, a.replicas, cfg.Technology); err != nil {
		logger.Log.Debugw("Failed to emit replica metrics", "error", err)
	}
	return a, nil
}

// FleetState returns the current technology and replica count.
func (a *ReplicaActuator) FleetState() interfaces.FleetState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return interfaces.FleetState{Technology: a.cfg.Technology, Replicas: a.replicas}
}

// Applied is the number of decisions that changed the replica count.
func (a *ReplicaActuator) Applied() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.applied
}

// Apply moves the replica count one step in the decision's direction, clamped
// to [MinReplicas, MaxReplicas]. HOLD is a no-op.
func (a *ReplicaActuator) Apply(ctx context.Context, decision v1alpha1.ScalingDecision) error {
	a.mu.Lock()
	current := a.replicas
	desired := current
	var direction string
	switch decision.Strategy {
	case v1alpha1.StrategyScaleUp:
		desired = min(a.cfg.MaxReplicas, current+a.cfg.Step)
		direction = "up"
	case v1alpha1.StrategyScaleDown:
		desired = max(a.cfg.MinReplicas, current-a.cfg.Step)
		direction = "down"
	case v1alpha1.StrategyHold:
		a.mu.Unlock()
		return nil
	default:
		a.mu.Unlock()
		return fmt.Errorf("unknown scaling strategy %q", decision.Strategy)
	}
	a.replicas = desired
	if desired != current {
		a.applied++
	}
	tech := a.cfg.Technology
	a.mu.Unlock()

	if err := a.MetricsEmitter.EmitReplicaMetrics(ctx, current, desired, tech); err != nil {
		logger.Log.Debugw("Failed to emit replica metrics", "error", err)
	}
	if desired == current {
		logger.Log.Debugw("Replica count already at bound", "strategy", decision.Strategy, "replicas", current)
		return nil
	}
	if err := a.MetricsEmitter.EmitReplicaScalingMetrics(ctx, direction, decision.Reason, tech); err != nil {
		logger.Log.Debugw("Failed to emit scaling metrics", "error", err)
	}
	logger.Log.Infow("Scaled fleet", "technology", tech, "from", current, "to", desired, "reason", decision.Reason)
	return nil
}
