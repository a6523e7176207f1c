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

// Package convergence implements the SLO convergence loop: on every tick it
// compares observed latency and unit cost with the configured targets and
// selects one scaling strategy.
package convergence

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/config"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/costmodel"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/engines/executor"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/metrics"
)

// Sources named in MetricsUnavailable logs and metrics.
const (
	SourceQueue   = "queue"
	SourceService = "service"
	SourceFleet   = "fleet"
	SourceCost    = "cost"
)

// Config tunes the engine. Zero fields take the DefaultConfig value.
type Config struct {
	Interval time.Duration
	// Tolerance is the symmetric band around each target treated as on target.
	Tolerance float64
	// CostOverrunThreshold is the cost deviation above which a scale-down is considered.
	CostOverrunThreshold float64
	// ScoreSmoothing is the EWMA weight of the newest score sample.
	ScoreSmoothing    float64
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
	// ReadTimeout bounds each collaborator read; a timeout is a missed tick.
	ReadTimeout time.Duration
	HistorySize int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Second,
		Tolerance:            0.05,
		CostOverrunThreshold: 0.10,
		ScoreSmoothing:       0.3,
		ScaleUpCooldown:      30 * time.Second,
		ScaleDownCooldown:    2 * time.Minute,
		ReadTimeout:          time.Second,
		HistorySize:          128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.CostOverrunThreshold <= 0 {
		c.CostOverrunThreshold = d.CostOverrunThreshold
	}
	if c.ScoreSmoothing <= 0 || c.ScoreSmoothing > 1 {
		c.ScoreSmoothing = d.ScoreSmoothing
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the clock used for cooldowns, timestamps and the tick loop.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMetricsEmitter makes the engine publish convergence metrics.
func WithMetricsEmitter(m *metrics.MetricsEmitter) Option {
	return func(e *Engine) {
		e.emitter = m
	}
}

// WithActuator hands every SCALE_UP and SCALE_DOWN decision to a.
func WithActuator(a interfaces.Actuator) Option {
	return func(e *Engine) {
		e.actuator = a
	}
}

type Engine struct {
	cfg      Config
	clock    clock.Clock
	executor executor.Executor

	queue    interfaces.QueueStatusReader
	service  interfaces.MetricsSource
	fleet    interfaces.FleetStateReader
	store    *config.Store
	actuator interfaces.Actuator
	emitter  *metrics.MetricsEmitter

	// mu serializes ticks; readers go through status and never take it.
	mu            sync.Mutex
	lastScaleUp   time.Time
	lastScaleDown time.Time
	score         float64
	ticks         int64
	history       *decisionRing

	status atomic.Pointer[v1alpha1.ConvergenceStatus]
}

// NewEngine wires the engine to its read-only collaborators. Targets and
// technology profiles are read from store on every tick.
func NewEngine(
	queue interfaces.QueueStatusReader,
	service interfaces.MetricsSource,
	fleet interfaces.FleetStateReader,
	store *config.Store,
	cfg Config,
	opts ...Option,
) *Engine {
	if store == nil {
		panic("config store is nil in NewEngine")
	}
	e := &Engine{
		cfg:     cfg.withDefaults(),
		clock:   clock.RealClock{},
		queue:   queue,
		service: service,
		fleet:   fleet,
		store:   store,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = newDecisionRing(e.cfg.HistorySize)

	e.status.Store(&v1alpha1.ConvergenceStatus{
		Strategy:     v1alpha1.StrategyHold,
		Reason:       v1alpha1.ReasonNotStarted,
		Targets:      store.Get().Targets,
		LastTickTime: metav1.NewTime(e.clock.Now()),
	})

	e.executor = executor.NewPollingExecutor(executor.PollingConfig{
		Config: executor.Config{
			OptimizeFunc: e.optimize,
		},
		Interval:     e.cfg.Interval,
		RetryBackoff: 100 * time.Millisecond,
		Clock:        e.clock,
	})
	return e
}

// StartOptimizeLoop ticks until ctx is cancelled. A tick in progress when ctx
// is cancelled completes; no further tick starts.
func (e *Engine) StartOptimizeLoop(ctx context.Context) {
	logger.Log.Infow("Starting convergence loop", "interval", e.cfg.Interval)
	e.executor.Start(ctx)
	logger.Log.Infow("Convergence loop stopped", "ticks", e.Ticks())
}

func (e *Engine) optimize(ctx context.Context) error {
	e.Tick(ctx)
	return nil
}

// GetConvergenceStatus returns the last published status. It never blocks on
// a tick in progress.
func (e *Engine) GetConvergenceStatus() v1alpha1.ConvergenceStatus {
	return *e.status.Load().DeepCopy()
}

// Decisions returns the recorded SCALE_UP and SCALE_DOWN decisions, oldest first.
func (e *Engine) Decisions() []v1alpha1.ScalingDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.list()
}

// Ticks is the number of completed ticks.
func (e *Engine) Ticks() int64 {
	return e.status.Load().Tick
}

// Tick runs one convergence step and returns the status it published. A
// collaborator that cannot be read makes the tick an implicit HOLD.
func (e *Engine) Tick(ctx context.Context) v1alpha1.ConvergenceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ticks++
	now := e.clock.Now()
	snap := e.store.Get()

	in, source, err := e.collect(ctx, snap)
	if err != nil {
		return e.publishUnavailable(ctx, now, snap.Targets, source, err)
	}

	t := snap.Targets
	dl := (in.observation.TTFTP95Milliseconds - t.TTFTP95Milliseconds) / t.TTFTP95Milliseconds
	dc := (in.unitCost - t.CostPerMillionTokens) / t.CostPerMillionTokens

	strategy, reason := e.classify(now, dl, dc, in.queue.State)
	sample := clamp01(1 - math.Max(math.Abs(dl), math.Abs(dc)))
	e.score = e.cfg.ScoreSmoothing*sample + (1-e.cfg.ScoreSmoothing)*e.score

	var decision *v1alpha1.ScalingDecision
	switch strategy {
	case v1alpha1.StrategyScaleUp:
		e.lastScaleUp = now
	case v1alpha1.StrategyScaleDown:
		e.lastScaleDown = now
	}
	if strategy != v1alpha1.StrategyHold {
		decision = &v1alpha1.ScalingDecision{Strategy: strategy, Reason: reason, Timestamp: metav1.NewTime(now)}
		e.history.add(*decision)
	}

	status := &v1alpha1.ConvergenceStatus{
		Strategy:                     strategy,
		Reason:                       reason,
		Targets:                      t,
		ConvergenceScore:             e.score,
		LatencyDeviation:             dl,
		CostDeviation:                dc,
		ObservedTTFTP95Milliseconds:  in.observation.TTFTP95Milliseconds,
		ObservedCostPerMillionTokens: in.unitCost,
		ObservedErrorRatePercent:     in.observation.ErrorRatePercent,
		ObservedTokensPerSecond:      in.observation.TokensPerSecond,
		QueueState:                   in.queue.State.String(),
		Replicas:                     in.fleet.Replicas,
		Technology:                   in.fleet.Technology,
		Violations:                   violations(t, in.observation),
		MetricsAvailable:             true,
		LastTickTime:                 metav1.NewTime(now),
		Tick:                         e.ticks,
	}
	e.status.Store(status)
	e.emit(e.emitter.EmitConvergenceMetrics(ctx, status))

	if decision != nil {
		logger.Log.Infow("Scaling decision",
			"strategy", strategy, "reason", reason,
			"latencyDeviation", dl, "costDeviation", dc,
			"replicas", in.fleet.Replicas, "technology", in.fleet.Technology)
		if e.actuator != nil {
			if err := e.actuator.Apply(ctx, *decision); err != nil {
				logger.Log.Errorw("Failed to apply scaling decision", "strategy", strategy, "error", err)
			}
		}
	} else {
		logger.Log.Debugw("Holding", "reason", reason, "latencyDeviation", dl, "costDeviation", dc, "score", e.score)
	}
	return *status.DeepCopy()
}

// classify selects the strategy. Latency correctness takes precedence over
// cost; latency under its target counts as met when considering a scale-down.
func (e *Engine) classify(now time.Time, dl, dc float64, queueState interfaces.QueueState) (v1alpha1.Strategy, string) {
	tol := e.cfg.Tolerance
	switch {
	case math.Abs(dl) <= tol && math.Abs(dc) <= tol:
		return v1alpha1.StrategyHold, v1alpha1.ReasonConverged

	case dl > tol:
		if !cooledDown(now, e.lastScaleUp, e.cfg.ScaleUpCooldown) {
			return v1alpha1.StrategyHold, v1alpha1.ReasonScaleUpCooldown
		}
		return v1alpha1.StrategyScaleUp, v1alpha1.ReasonLatencyAboveTarget

	case dc > e.cfg.CostOverrunThreshold:
		if queueState >= interfaces.QueueStateCritical {
			return v1alpha1.StrategyHold, v1alpha1.ReasonQueueBacklog
		}
		if !cooledDown(now, e.lastScaleDown, e.cfg.ScaleDownCooldown) {
			return v1alpha1.StrategyHold, v1alpha1.ReasonScaleDownCooldown
		}
		return v1alpha1.StrategyScaleDown, v1alpha1.ReasonCostAboveTarget

	default:
		return v1alpha1.StrategyHold, v1alpha1.ReasonOutsideBand
	}
}

// publishUnavailable republishes the previous status as a HOLD. The score and
// the cooldown clocks are left untouched.
func (e *Engine) publishUnavailable(ctx context.Context, now time.Time, targets v1alpha1.SLOTargets, source string, err error) v1alpha1.ConvergenceStatus {
	logger.Log.Warnw("Convergence tick could not read a collaborator, holding", "source", source, "error", err)
	e.emit(e.emitter.EmitMetricsUnavailable(source))

	status := e.status.Load().DeepCopy()
	status.Strategy = v1alpha1.StrategyHold
	status.Reason = v1alpha1.ReasonMetricsUnavailable
	status.Targets = targets
	status.ConvergenceScore = e.score
	status.MetricsAvailable = false
	status.LastTickTime = metav1.NewTime(now)
	status.Tick = e.ticks
	e.status.Store(status)
	e.emit(e.emitter.EmitConvergenceMetrics(ctx, status))
	return *status.DeepCopy()
}

func (e *Engine) emit(err error) {
	if err != nil {
		logger.Log.Debugw("Failed to emit convergence metrics", "error", err)
	}
}

type tickInputs struct {
	queue       interfaces.QueueStatus
	observation interfaces.ServiceObservation
	fleet       interfaces.FleetState
	unitCost    float64
}

func (e *Engine) collect(ctx context.Context, snap *config.Snapshot) (tickInputs, string, error) {
	var in tickInputs
	var err error

	in.queue, err = boundedRead(ctx, e.cfg.ReadTimeout, func(context.Context) (interfaces.QueueStatus, error) {
		return e.queue.GetQueueStatus(), nil
	})
	if err != nil {
		return in, SourceQueue, err
	}

	in.observation, err = boundedRead(ctx, e.cfg.ReadTimeout, e.service.Observe)
	if err != nil {
		return in, SourceService, err
	}

	in.fleet, err = boundedRead(ctx, e.cfg.ReadTimeout, func(context.Context) (interfaces.FleetState, error) {
		return e.fleet.FleetState(), nil
	})
	if err != nil {
		return in, SourceFleet, err
	}

	profile, ok := snap.Profile(in.fleet.Technology)
	if !ok {
		return in, SourceCost, fmt.Errorf("%w: no technology profile for %q", interfaces.ErrMetricsUnavailable, in.fleet.Technology)
	}
	in.unitCost, err = costmodel.ComputeUnitCost(profile, in.observation.Utilization, in.fleet.Replicas)
	if err != nil {
		return in, SourceCost, fmt.Errorf("%w: %w", interfaces.ErrMetricsUnavailable, err)
	}
	return in, "", nil
}

// boundedRead runs read with a deadline. A read that outlives the deadline is
// abandoned; its result is discarded when it eventually returns.
func boundedRead[T any](ctx context.Context, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := read(ctx)
		ch <- result{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		if r.err != nil {
			return zero, fmt.Errorf("%w: %w", interfaces.ErrMetricsUnavailable, r.err)
		}
		return r.value, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", interfaces.ErrMetricsUnavailable, ctx.Err())
	}
}

func cooledDown(now, last time.Time, cooldown time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= cooldown
}

func violations(t v1alpha1.SLOTargets, obs interfaces.ServiceObservation) []string {
	var out []string
	if obs.ErrorRatePercent > t.MaxErrorRatePercent {
		out = append(out, v1alpha1.ViolationErrorRate)
	}
	if t.MinTokensPerSecond > 0 && obs.TokensPerSecond < t.MinTokensPerSecond {
		out = append(out, v1alpha1.ViolationThroughput)
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
