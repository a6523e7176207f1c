package queue

import (
	"time"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

// Thresholds partition (depth, age-of-oldest) into queue states. A zero value
// disables that boundary. The state is the highest level reached by either
// dimension.
type Thresholds struct {
	ElevatedDepth int
	CriticalDepth int
	OverloadDepth int

	ElevatedWait time.Duration
	CriticalWait time.Duration
	OverloadWait time.Duration
}

// Classify maps the current load to a queue state.
func (t Thresholds) Classify(depth int, oldestWait time.Duration) interfaces.QueueState {
	reached := func(limit int, wait time.Duration) bool {
		return (limit > 0 && depth >= limit) || (wait > 0 && oldestWait >= wait)
	}
	switch {
	case reached(t.OverloadDepth, t.OverloadWait):
		return interfaces.QueueStateOverload
	case reached(t.CriticalDepth, t.CriticalWait):
		return interfaces.QueueStateCritical
	case reached(t.ElevatedDepth, t.ElevatedWait):
		return interfaces.QueueStateElevated
	default:
		return interfaces.QueueStateNominal
	}
}

// ActionFor returns the flow control action for a queue state.
func ActionFor(state interfaces.QueueState) interfaces.FlowControlAction {
	switch state {
	case interfaces.QueueStateNominal:
		return interfaces.ActionAccept
	case interfaces.QueueStateElevated:
		return interfaces.ActionThrottle
	case interfaces.QueueStateCritical:
		return interfaces.ActionShed
	default:
		return interfaces.ActionReject
	}
}

// ShedPolicy decides whether a queued request may be evicted to admit an
// incoming one while the queue is shedding.
type ShedPolicy interface {
	AllowEviction(incoming, candidate interfaces.Priority) bool
}

// ShedPolicyFunc adapts a function to ShedPolicy.
type ShedPolicyFunc func(incoming, candidate interfaces.Priority) bool

func (f ShedPolicyFunc) AllowEviction(incoming, candidate interfaces.Priority) bool {
	return f(incoming, candidate)
}

// PriorityGapPolicy allows eviction only when the incoming request outranks the
// candidate by at least MinGap priority levels. MinGap below 1 is treated as 1,
// so equal priorities never evict each other.
type PriorityGapPolicy struct {
	MinGap int
}

func (p PriorityGapPolicy) AllowEviction(incoming, candidate interfaces.Priority) bool {
	return int(candidate)-int(incoming) >= max(p.MinGap, 1)
}

// NoEvictionPolicy never sheds queued work; a shedding queue rejects every arrival.
type NoEvictionPolicy struct{}

func (NoEvictionPolicy) AllowEviction(_, _ interfaces.Priority) bool {
	return false
}
