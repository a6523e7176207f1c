package collector

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

// DefaultObservationWindow is the trailing window used when none is given.
const DefaultObservationWindow = time.Minute

type completion struct {
	at      time.Time
	ttftMs  float64
	tokens  float64
	failure bool
}

// ServingObserver aggregates completions reported by the in-process serving
// loop over a trailing window. It implements interfaces.MetricsSource.
type ServingObserver struct {
	mu          sync.Mutex
	clock       clock.PassiveClock
	window      time.Duration
	completions []completion
	firstAt     time.Time
	// utilization samples are kept for the window; the newest one survives
	// pruning so a quiet fleet still reports a reading.
	utilization []utilizationSample
}

type utilizationSample struct {
	at    time.Time
	value float64
}

// NewServingObserver returns an observer over window; nil clk means the real clock.
func NewServingObserver(window time.Duration, clk clock.PassiveClock) *ServingObserver {
	if window <= 0 {
		window = DefaultObservationWindow
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ServingObserver{window: window, clock: clk}
}

// RecordCompletion records one served request.
func (o *ServingObserver) RecordCompletion(ttft time.Duration, tokens float64, failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	if o.firstAt.IsZero() {
		o.firstAt = now
	}
	o.completions = append(o.completions, completion{
		at:      now,
		ttftMs:  float64(ttft) / float64(time.Millisecond),
		tokens:  tokens,
		failure: failed,
	})
}

// RecordUtilization records the fleet utilization of the last serving
// interval. Observe reports the mean over the window.
func (o *ServingObserver) RecordUtilization(u float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	o.prune(now)
	o.utilization = append(o.utilization, utilizationSample{at: now, value: u})
}

// Observe summarizes the window. It fails with ErrMetricsUnavailable until at
// least one completion and one utilization reading fall inside it.
func (o *ServingObserver) Observe(ctx context.Context) (interfaces.ServiceObservation, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.ServiceObservation{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	o.prune(now)
	if len(o.completions) == 0 || len(o.utilization) == 0 {
		return interfaces.ServiceObservation{}, fmt.Errorf("%w: no completions in the last %v", interfaces.ErrMetricsUnavailable, o.window)
	}

	ttfts := make([]float64, len(o.completions))
	var tokens, failures float64
	for i, c := range o.completions {
		ttfts[i] = c.ttftMs
		tokens += c.tokens
		if c.failure {
			failures++
		}
	}
	slices.Sort(ttfts)

	span := o.window
	if since := now.Sub(o.firstAt); since < span {
		span = since
	}
	var tps float64
	if span > 0 {
		tps = tokens / span.Seconds()
	}

	utils := make([]float64, len(o.utilization))
	for i, u := range o.utilization {
		utils[i] = u.value
	}

	return interfaces.ServiceObservation{
		TTFTP95Milliseconds: stat.Quantile(0.95, stat.Empirical, ttfts, nil),
		ErrorRatePercent:    100 * failures / float64(len(o.completions)),
		TokensPerSecond:     tps,
		Utilization:         math.Min(1, math.Max(0, stat.Mean(utils, nil))),
		ObservedAt:          now,
	}, nil
}

func (o *ServingObserver) prune(now time.Time) {
	cutoff := now.Add(-o.window)
	i := 0
	for i < len(o.completions) && !o.completions[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		o.completions = slices.Delete(o.completions, 0, i)
	}

	j := 0
	for j < len(o.utilization)-1 && !o.utilization[j].at.After(cutoff) {
		j++
	}
	if j > 0 {
		o.utilization = slices.Delete(o.utilization, 0, j)
	}
}
