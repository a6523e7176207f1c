// Package executor runs an optimization function on a fixed cadence.
package executor

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
)

// OptimizeFunc is one pass of an engine.
type OptimizeFunc func(ctx context.Context) error

// Config is shared by all executors.
type Config struct {
	OptimizeFunc OptimizeFunc
}

// Executor drives an OptimizeFunc until its context is cancelled.
type Executor interface {
	Start(ctx context.Context)
}

// PollingConfig configures a PollingExecutor.
type PollingConfig struct {
	Config

	// Interval between the end of one pass and the start of the next.
	Interval time.Duration
	// RetryBackoff is the first delay after a failed pass. It doubles on each
	// consecutive failure, up to Interval.
	RetryBackoff time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

// PollingExecutor calls OptimizeFunc once immediately and then after every
// Interval. Passes never overlap. Cancellation lets a running pass finish and
// prevents the next one from starting.
type PollingExecutor struct {
	cfg   PollingConfig
	clock clock.Clock

	runs     atomic.Int64
	failures atomic.Int64
}

var _ Executor = (*PollingExecutor)(nil)

// NewPollingExecutor creates a PollingExecutor.
func NewPollingExecutor(cfg PollingConfig) *PollingExecutor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.RealClock{}
	}
	return &PollingExecutor{cfg: cfg, clock: c}
}

// Start blocks until ctx is cancelled.
func (e *PollingExecutor) Start(ctx context.Context) {
	backoff := e.newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}

		delay := e.cfg.Interval
		if err := e.runOnce(ctx); err != nil {
			e.failures.Add(1)
			if e.cfg.RetryBackoff > 0 {
				delay = backoff.Step()
			}
			logger.Log.Warnw("Optimization pass failed", "error", err, "retryIn", delay)
		} else {
			backoff = e.newBackoff()
		}

		t := e.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
	}
}

// Runs is the number of passes started so far.
func (e *PollingExecutor) Runs() int64 {
	return e.runs.Load()
}

// Failures is the number of passes that returned an error.
func (e *PollingExecutor) Failures() int64 {
	return e.failures.Load()
}

func (e *PollingExecutor) runOnce(ctx context.Context) error {
	e.runs.Add(1)
	if e.cfg.OptimizeFunc == nil {
		return nil
	}
	return e.cfg.OptimizeFunc(ctx)
}

func (e *PollingExecutor) newBackoff() *wait.Backoff {
	return &wait.Backoff{
		Duration: e.cfg.RetryBackoff,
		Factor:   2,
		Steps:    math.MaxInt32,
		Cap:      e.cfg.Interval,
	}
}
