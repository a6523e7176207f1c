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

// Package controller assembles the admission queue, the convergence engine
// and their collaborators into one runnable fleet.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/actuator"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/collector"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/config"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/engines/convergence"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/metrics"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/queue"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/serving"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/workload"
)

// maxUtilizationSamples bounds the history kept for the rightsizing report.
const maxUtilizationSamples = 4096

// FleetController owns every component of a run. Fields are exported so a
// caller can drive the components step by step instead of calling Run.
type FleetController struct {
	Config   config.Config
	Clock    clock.Clock
	Queue    *queue.Manager
	Store    *config.Store
	Actuator *actuator.ReplicaActuator
	Observer *collector.ServingObserver
	Source   interfaces.MetricsSource
	Engine   *convergence.Engine
	Serving  *serving.Loop
	Driver   *workload.Driver

	history   *utilizationHistory
	startedAt time.Time
}

// Option configures a FleetController.
type Option func(*options)

type options struct {
	clock    clock.Clock
	emitter  *metrics.MetricsEmitter
	source   interfaces.MetricsSource
	profiles []v1alpha1.TechnologyProfile
}

// WithClock drives every component from c.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetricsEmitter publishes component metrics through e.
func WithMetricsEmitter(e *metrics.MetricsEmitter) Option {
	return func(o *options) { o.emitter = e }
}

// WithMetricsSource replaces the in-process observer as the engine's service
// metrics source. The serving loop still reports to the observer.
func WithMetricsSource(s interfaces.MetricsSource) Option {
	return func(o *options) { o.source = s }
}

// WithProfiles replaces the built-in technology catalog. The fleet's
// technology must be one of profiles.
func WithProfiles(profiles ...v1alpha1.TechnologyProfile) Option {
	return func(o *options) { o.profiles = profiles }
}

// NewFleetController validates cfg and wires the components.
func NewFleetController(cfg config.Config, opts ...Option) (*FleetController, error) {
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{clock: clock.RealClock{}, profiles: config.DefaultProfiles()}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := config.NewStore(cfg.Targets, o.profiles)
	if err != nil {
		return nil, err
	}
	if _, ok := store.Get().Profile(cfg.Fleet.Technology); !ok {
		return nil, fmt.Errorf("unknown technology %q", cfg.Fleet.Technology)
	}

	act, err := actuator.NewActuator(actuator.Config{
		Technology:      cfg.Fleet.Technology,
		InitialReplicas: cfg.Fleet.InitialReplicas,
		MinReplicas:     cfg.Fleet.MinReplicas,
		MaxReplicas:     cfg.Fleet.MaxReplicas,
		Step:            cfg.Fleet.ScaleStep,
	}, o.emitter)
	if err != nil {
		return nil, err
	}

	q := queue.NewManager(queueConfig(cfg.Queue), queue.WithClock(o.clock), queue.WithMetricsEmitter(o.emitter))
	observer := collector.NewServingObserver(cfg.Serving.ObservationWindow, o.clock)
	source := o.source
	if source == nil {
		source = observer
	}

	fc := &FleetController{
		Config:   cfg,
		Clock:    o.clock,
		Queue:    q,
		Store:    store,
		Actuator: act,
		Observer: observer,
		Source:   source,
		history:  &utilizationHistory{},
	}

	fc.Engine = convergence.NewEngine(q, source, act, store, convergence.Config{
		Interval:             cfg.Engine.TickInterval,
		Tolerance:            cfg.Engine.Tolerance,
		CostOverrunThreshold: cfg.Engine.CostOverrunThreshold,
		ScoreSmoothing:       cfg.Engine.ScoreSmoothing,
		ScaleUpCooldown:      cfg.Engine.ScaleUpCooldown,
		ScaleDownCooldown:    cfg.Engine.ScaleDownCooldown,
		ReadTimeout:          cfg.Engine.ReadTimeout,
		HistorySize:          cfg.Engine.HistorySize,
	}, convergence.WithClock(o.clock), convergence.WithMetricsEmitter(o.emitter), convergence.WithActuator(act))

	fc.Serving = serving.NewLoop(serving.Config{
		PollInterval:   cfg.Serving.PollInterval,
		BaseTTFT:       cfg.Serving.BaseTTFT,
		RequestTimeout: cfg.Serving.RequestTimeout,
	}, q, act, store, &teeRecorder{observer: observer, history: fc.history, fleet: act}, o.clock)

	fc.Driver, err = workload.NewDriver(workload.Config{
		ArrivalRate: cfg.Workload.ArrivalRate,
		MeanTokens:  cfg.Workload.MeanTokens,
		TokenSigma:  cfg.Workload.TokenSigma,
		PriorityMix: cfg.Workload.PriorityMix,
		ModelID:     cfg.Workload.ModelID,
		Seed:        cfg.Workload.Seed,
		Interval:    cfg.Serving.PollInterval,
	}, q, o.clock)
	if err != nil {
		return nil, err
	}
	return fc, nil
}

func queueConfig(c config.QueueConfig) queue.Config {
	var policy queue.ShedPolicy = queue.PriorityGapPolicy{MinGap: c.ShedMinGap}
	if c.ShedMinGap == 0 {
		policy = queue.NoEvictionPolicy{}
	}
	return queue.Config{
		Capacity: c.Capacity,
		Thresholds: queue.Thresholds{
			ElevatedDepth: c.ElevatedDepth,
			CriticalDepth: c.CriticalDepth,
			OverloadDepth: c.OverloadDepth,
			ElevatedWait:  c.ElevatedWait,
			CriticalWait:  c.CriticalWait,
			OverloadWait:  c.OverloadWait,
		},
		ThrottleDelay:    c.ThrottleDelay,
		EfficiencyWindow: c.EfficiencyWindow,
		ShedPolicy:       policy,
	}
}

// Run starts the workload driver, the serving loop and the convergence loop
// and blocks until ctx is cancelled and all three have stopped.
func (fc *FleetController) Run(ctx context.Context) {
	fc.startedAt = fc.Clock.Now()
	logger.Log.Infow("Fleet controller starting",
		"technology", fc.Config.Fleet.Technology,
		"replicas", fc.Config.Fleet.InitialReplicas,
		"targets", fc.Config.Targets)

	var wg sync.WaitGroup
	for _, start := range []func(context.Context){fc.Driver.Start, fc.Serving.Start, fc.Engine.StartOptimizeLoop} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}
	wg.Wait()
	logger.Log.Infow("Fleet controller stopped", "queued", fc.Queue.Len())
}

// teeRecorder forwards serving results to the observer and keeps the
// utilization history used for rightsizing.
type teeRecorder struct {
	observer *collector.ServingObserver
	history  *utilizationHistory
	fleet    interfaces.FleetStateReader
}

func (t *teeRecorder) RecordCompletion(ttft time.Duration, tokens float64, failed bool) {
	t.observer.RecordCompletion(ttft, tokens, failed)
}

func (t *teeRecorder) RecordUtilization(u float64) {
	t.observer.RecordUtilization(u)
	t.history.add(u, t.fleet.FleetState().Replicas)
}

type utilizationSample struct {
	utilization float64
	replicas    int
}

type utilizationHistory struct {
	mu      sync.Mutex
	samples []utilizationSample
}

func (h *utilizationHistory) add(u float64, replicas int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == maxUtilizationSamples {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, utilizationSample{utilization: u, replicas: replicas})
}

func (h *utilizationHistory) list() []utilizationSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]utilizationSample(nil), h.samples...)
}
