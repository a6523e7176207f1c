package interfaces

import "errors"

var (
	// ErrOverloaded is returned when flow control refuses admission.
	ErrOverloaded = errors.New("queue overloaded")
	// ErrQueueEmpty is returned by a dequeue with nothing pending.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrInvalidUtilization is returned for cost inputs outside the valid range.
	ErrInvalidUtilization = errors.New("invalid utilization")
	// ErrMetricsUnavailable is returned when a collaborator cannot be read this cycle.
	ErrMetricsUnavailable = errors.New("metrics unavailable")
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrDuplicateRequest is returned when a request id is already queued.
	ErrDuplicateRequest = errors.New("duplicate request")
)
