// Package serving is the single consumer of the admission queue. It drains
// the queue at the rate the current fleet can sustain and reports what it
// served to a recorder.
package serving

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/config"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/costmodel"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/engines/executor"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
)

// Queue is the part of the queue manager the loop drives.
type Queue interface {
	DequeueNext() (interfaces.Request, error)
	Refresh() interfaces.QueueStatus
}

// Recorder receives one entry per served request and one utilization reading
// per poll.
type Recorder interface {
	RecordCompletion(ttft time.Duration, tokens float64, failed bool)
	RecordUtilization(u float64)
}

type Config struct {
	PollInterval time.Duration
	// BaseTTFT is added to the queue wait of every request.
	BaseTTFT time.Duration
	// RequestTimeout marks requests that waited longer as failed.
	RequestTimeout time.Duration
}

// Loop serves requests on a fixed poll. Each poll grants a token budget of
// the fleet's effective throughput × interval; a request larger than what is
// left is still served and the overdraft is carried into the next poll.
type Loop struct {
	cfg      Config
	queue    Queue
	fleet    interfaces.FleetStateReader
	store    *config.Store
	recorder Recorder
	clock    clock.Clock
	executor *executor.PollingExecutor

	debt   float64
	served atomic.Int64
}

func NewLoop(cfg Config, queue Queue, fleet interfaces.FleetStateReader, store *config.Store, recorder Recorder, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	l := &Loop{
		cfg:      cfg,
		queue:    queue,
		fleet:    fleet,
		store:    store,
		recorder: recorder,
		clock:    clk,
	}
	l.executor = executor.NewPollingExecutor(executor.PollingConfig{
		Config: executor.Config{
			OptimizeFunc: l.Poll,
		},
		Interval:     cfg.PollInterval,
		RetryBackoff: cfg.PollInterval,
		Clock:        clk,
	})
	return l
}

// Start polls until ctx is cancelled. A request already dequeued when ctx is
// cancelled is still recorded; nothing else is dequeued.
func (l *Loop) Start(ctx context.Context) {
	logger.Log.Infow("Starting serving loop", "interval", l.cfg.PollInterval)
	l.executor.Start(ctx)
	logger.Log.Infow("Serving loop stopped", "served", l.Served())
}

// Served is the number of requests served so far.
func (l *Loop) Served() int64 {
	return l.served.Load()
}

// Poll runs one serving interval.
func (l *Loop) Poll(ctx context.Context) error {
	l.queue.Refresh()

	fleet := l.fleet.FleetState()
	profile, ok := l.store.Get().Profile(fleet.Technology)
	if !ok {
		return fmt.Errorf("no technology profile for %q", fleet.Technology)
	}
	capacity := costmodel.EffectiveThroughput(profile, 1, fleet.Replicas) * l.cfg.PollInterval.Seconds()
	budget := capacity - l.debt
	used := min(l.debt, capacity)
	l.debt = 0

	now := l.clock.Now()
	for budget > 0 {
		if ctx.Err() != nil {
			break
		}
		req, err := l.queue.DequeueNext()
		if errors.Is(err, interfaces.ErrQueueEmpty) {
			break
		}
		if err != nil {
			return err
		}

		wait := max(0, now.Sub(req.EnqueuedAt))
		l.recorder.RecordCompletion(wait+l.cfg.BaseTTFT, req.EstimatedTokens,
			l.cfg.RequestTimeout > 0 && wait > l.cfg.RequestTimeout)
		l.served.Add(1)

		budget -= req.EstimatedTokens
		used += req.EstimatedTokens
	}
	if budget < 0 {
		l.debt = -budget
		used = capacity
	}

	var utilization float64
	if capacity > 0 {
		utilization = min(1, used/capacity)
	}
	l.recorder.RecordUtilization(utilization)
	return nil
}
