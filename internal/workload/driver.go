// Package workload generates synthetic inference traffic. It only talks to
// the queue through Enqueue.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/engines/executor"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
)

// Enqueuer is the only queue operation the driver uses.
type Enqueuer interface {
	Enqueue(req interfaces.Request) (interfaces.EnqueueReceipt, error)
}

type Config struct {
	// ArrivalRate is the base rate in requests per second.
	ArrivalRate float64
	// MeanTokens and TokenSigma parameterize the log-normal request size.
	MeanTokens float64
	TokenSigma float64
	// PriorityMix weights arrivals per priority. Missing priorities get none.
	PriorityMix map[interfaces.Priority]float64
	ModelID     string
	Seed        uint64
	// Interval is how often a batch of arrivals is generated.
	Interval time.Duration
}

// Stats counts what happened to generated requests.
type Stats struct {
	Generated int64 `json:"generated" yaml:"generated"`
	Admitted  int64 `json:"admitted" yaml:"admitted"`
	Throttled int64 `json:"throttled" yaml:"throttled"`
	Rejected  int64 `json:"rejected" yaml:"rejected"`
	// Evicted counts queued requests shed to admit one of ours.
	Evicted int64 `json:"evicted" yaml:"evicted"`
}

// Driver injects Poisson arrivals into the queue. Load events scale the rate.
type Driver struct {
	cfg      Config
	queue    Enqueuer
	clock    clock.Clock
	executor *executor.PollingExecutor

	mu         sync.Mutex
	multiplier float64
	// spike, when set, overrides multiplier until spikeUntil.
	spike      float64
	spikeUntil time.Time
	src        rand.Source
	tokens     distuv.LogNormal
	priorities distuv.Categorical
	stats      Stats
}

// NewDriver validates cfg and builds a driver over q.
func NewDriver(cfg Config, q Enqueuer, clk clock.Clock) (*Driver, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.ArrivalRate < 0 || math.IsNaN(cfg.ArrivalRate) {
		return nil, fmt.Errorf("arrival rate must not be negative, got %v", cfg.ArrivalRate)
	}
	if cfg.MeanTokens <= 0 {
		return nil, fmt.Errorf("mean tokens must be positive, got %v", cfg.MeanTokens)
	}
	if cfg.TokenSigma < 0 {
		return nil, fmt.Errorf("token sigma must not be negative, got %v", cfg.TokenSigma)
	}

	weights := make([]float64, interfaces.PriorityLow+1)
	var total float64
	for p, w := range cfg.PriorityMix {
		if !p.Valid() || w < 0 {
			return nil, fmt.Errorf("invalid priority mix entry %v=%v", p, w)
		}
		weights[p] = w
		total += w
	}
	if total <= 0 {
		return nil, fmt.Errorf("priority mix must give at least one priority a positive weight")
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	d := &Driver{
		cfg:        cfg,
		queue:      q,
		clock:      clk,
		multiplier: 1,
		src:        src,
		// mean of a log-normal is exp(mu + sigma²/2)
		tokens: distuv.LogNormal{
			Mu:    math.Log(cfg.MeanTokens) - cfg.TokenSigma*cfg.TokenSigma/2,
			Sigma: cfg.TokenSigma,
			Src:   src,
		},
		priorities: distuv.NewCategorical(weights, src),
	}
	d.executor = executor.NewPollingExecutor(executor.PollingConfig{
		Config: executor.Config{
			OptimizeFunc: d.Step,
		},
		Interval:     cfg.Interval,
		RetryBackoff: cfg.Interval,
		Clock:        clk,
	})
	return d, nil
}

// Start generates arrivals until ctx is cancelled.
func (d *Driver) Start(ctx context.Context) {
	logger.Log.Infow("Starting workload driver", "arrivalRate", d.cfg.ArrivalRate, "interval", d.cfg.Interval)
	d.executor.Start(ctx)
	logger.Log.Infow("Workload driver stopped", "stats", d.Stats())
}

// TriggerLoadEvent scales the base arrival rate by multiplier until the next
// load event. It cancels a spike in progress.
func (d *Driver) TriggerLoadEvent(multiplier float64) error {
	if err := validMultiplier(multiplier); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.multiplier = multiplier
	d.spike = 0
	d.spikeUntil = time.Time{}
	logger.Log.Infow("Load event", "multiplier", multiplier)
	return nil
}

// TriggerLoadSpike scales the arrival rate by multiplier for duration, then
// returns to the multiplier set by the last load event.
func (d *Driver) TriggerLoadSpike(multiplier float64, duration time.Duration) error {
	if err := validMultiplier(multiplier); err != nil {
		return err
	}
	if duration <= 0 {
		return fmt.Errorf("spike duration must be positive, got %v", duration)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spike = multiplier
	d.spikeUntil = d.clock.Now().Add(duration)
	logger.Log.Infow("Load spike", "multiplier", multiplier, "duration", duration)
	return nil
}

// Multiplier is the factor currently applied to the base arrival rate.
func (d *Driver) Multiplier() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.multiplierLocked(d.clock.Now())
}

func (d *Driver) multiplierLocked(now time.Time) float64 {
	if d.spike > 0 && now.Before(d.spikeUntil) {
		return d.spike
	}
	return d.multiplier
}

// Stats returns the arrival counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Step generates one interval's worth of arrivals. It stops early, leaving
// the rest of the batch ungenerated, when ctx is cancelled.
func (d *Driver) Step(ctx context.Context) error {
	d.mu.Lock()
	now := d.clock.Now()
	lambda := d.cfg.ArrivalRate * d.multiplierLocked(now) * d.cfg.Interval.Seconds()
	var n int
	if lambda > 0 {
		n = int(distuv.Poisson{Lambda: lambda, Src: d.src}.Rand())
	}
	batch := make([]interfaces.Request, 0, n)
	for range n {
		batch = append(batch, interfaces.Request{
			ID:              uuid.NewString(),
			Priority:        interfaces.Priority(d.priorities.Rand()),
			EnqueuedAt:      now,
			EstimatedTokens: math.Max(1, math.Round(d.tokens.Rand())),
			ModelID:         d.cfg.ModelID,
		})
	}
	d.mu.Unlock()

	for _, req := range batch {
		if ctx.Err() != nil {
			return nil
		}
		receipt, err := d.queue.Enqueue(req)
		d.record(receipt, err)
		if err != nil && !errors.Is(err, interfaces.ErrOverloaded) {
			return fmt.Errorf("enqueue %s: %w", req.ID, err)
		}
	}
	return nil
}

func (d *Driver) record(receipt interfaces.EnqueueReceipt, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Generated++
	if err != nil {
		d.stats.Rejected++
		return
	}
	d.stats.Admitted++
	if receipt.Action == interfaces.ActionThrottle {
		d.stats.Throttled++
	}
	if receipt.Evicted != nil {
		d.stats.Evicted++
	}
}

func validMultiplier(m float64) error {
	if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		return fmt.Errorf("load multiplier must be positive and finite, got %v", m)
	}
	return nil
}
