package interfaces

import (
	"fmt"
	"strings"
	"time"
)

// PriorityEnumVersion identifies the revision of the Priority enumeration.
// Adding a tier bumps the version instead of accepting free-form tags.
const PriorityEnumVersion = 1

// Priority is the scheduling class of a request. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = [...]string{"CRITICAL", "HIGH", "NORMAL", "LOW"}

// Priorities returns every known priority, highest first.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is a member of the enumeration.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// HigherThan reports whether p is served strictly before o.
func (p Priority) HigherThan(o Priority) bool {
	return p < o
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Weight is the priority's contribution to the queue efficiency score.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 8
	case PriorityHigh:
		return 4
	case PriorityNormal:
		return 2
	default:
		return 1
	}
}

// ParsePriority maps a priority name (case-insensitive) to its value.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q (enumeration v%d)", s, PriorityEnumVersion)
}

// Request is a unit of inference work. It is a value type: once built it is
// never modified, and the queue holds its own copy until the request leaves.
type Request struct {
	ID              string
	Priority        Priority
	EnqueuedAt      time.Time
	EstimatedTokens float64
	ModelID         string
}

// Validate checks that the request is well formed.
func (r Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty request id", ErrInvalidRequest)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: request %s has invalid priority %d", ErrInvalidRequest, r.ID, int(r.Priority))
	}
	if r.EstimatedTokens < 0 {
		return fmt.Errorf("%w: request %s has negative cost estimate %v", ErrInvalidRequest, r.ID, r.EstimatedTokens)
	}
	return nil
}

// QueueState is the load level of the queue, derived from depth and the age of
// the oldest pending request. It is recomputed on every observation.
type QueueState int

const (
	QueueStateNominal QueueState = iota
	QueueStateElevated
	QueueStateCritical
	QueueStateOverload
)

func (s QueueState) String() string {
	switch s {
	case QueueStateNominal:
		return "NOMINAL"
	case QueueStateElevated:
		return "ELEVATED"
	case QueueStateCritical:
		return "CRITICAL"
	case QueueStateOverload:
		return "OVERLOAD"
	default:
		return fmt.Sprintf("QueueState(%d)", int(s))
	}
}

// FlowControlAction is the admission decision for an incoming request.
type FlowControlAction int

const (
	ActionAccept FlowControlAction = iota
	ActionThrottle
	ActionShed
	ActionReject
)

func (a FlowControlAction) String() string {
	switch a {
	case ActionAccept:
		return "ACCEPT"
	case ActionThrottle:
		return "THROTTLE"
	case ActionShed:
		return "SHED"
	case ActionReject:
		return "REJECT"
	default:
		return fmt.Sprintf("FlowControlAction(%d)", int(a))
	}
}

// EnqueueReceipt is returned for every admitted request.
type EnqueueReceipt struct {
	// Position is the 1-based rank of the request in dequeue order at admission.
	Position int
	// ExpectedWait is an estimate derived from the recent dequeue rate; zero
	// until the queue has served at least two requests.
	ExpectedWait time.Duration
	Action       FlowControlAction
	// ThrottleDelay is the back-off recorded for THROTTLE admissions.
	ThrottleDelay time.Duration
	// Evicted is the request shed to make room, if any. Ownership passes back
	// to the caller.
	Evicted *Request
}

// QueueStatus is a point-in-time snapshot of the queue.
type QueueStatus struct {
	Depth           int
	State           QueueState
	Action          FlowControlAction
	EfficiencyScore float64
	OldestWait      time.Duration
	DepthByPriority map[Priority]int

	Admitted int64
	Served   int64
	Shed     int64
	Rejected int64

	ObservedAt time.Time
}

// ServiceObservation is what a MetricsSource reports about the serving fleet.
type ServiceObservation struct {
	TTFTP95Milliseconds float64
	ErrorRatePercent    float64
	TokensPerSecond     float64
	// Utilization of the fleet in [0,1].
	Utilization float64
	ObservedAt  time.Time
}

// FleetState is the current shape of the fleet.
type FleetState struct {
	Technology string
	Replicas   int
}
