package interfaces

import (
	"context"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
)

// QueueManager is the admission-control surface used by producers and the
// serving loop.
type QueueManager interface {
	Enqueue(req Request) (EnqueueReceipt, error)
	DequeueNext() (Request, error)
	QueueStatusReader
}

// QueueStatusReader gives read-only access to queue metrics.
type QueueStatusReader interface {
	GetQueueStatus() QueueStatus
}

// MetricsSource reports observed service metrics for the fleet.
type MetricsSource interface {
	Observe(ctx context.Context) (ServiceObservation, error)
}

// FleetStateReader reports the current fleet shape.
type FleetStateReader interface {
	FleetState() FleetState
}

// Actuator applies scaling decisions to the fleet.
type Actuator interface {
	// Apply mutates the fleet to follow the decision.
	Apply(ctx context.Context, decision v1alpha1.ScalingDecision) error
}
