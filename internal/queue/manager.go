package queue

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/metrics"
)

const defaultEfficiencyWindow = 5 * time.Minute

// Config holds the admission-control settings of a Manager.
type Config struct {
	// Capacity is the hard depth limit; at or above it the queue is OVERLOAD.
	// Zero means unlimited.
	Capacity   int
	Thresholds Thresholds
	// ThrottleDelay is recorded on THROTTLE receipts as the suggested back-off.
	ThrottleDelay time.Duration
	// EfficiencyWindow is the trailing window of the efficiency score.
	EfficiencyWindow time.Duration
	// ShedPolicy governs shed-to-admit evictions. Nil means PriorityGapPolicy{MinGap: 1}.
	ShedPolicy ShedPolicy
}

// DefaultConfig returns the thresholds used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		Capacity: 1000,
		Thresholds: Thresholds{
			ElevatedDepth: 200,
			CriticalDepth: 500,
			OverloadDepth: 900,
			ElevatedWait:  2 * time.Second,
			CriticalWait:  5 * time.Second,
			OverloadWait:  10 * time.Second,
		},
		ThrottleDelay:    50 * time.Millisecond,
		EfficiencyWindow: defaultEfficiencyWindow,
		ShedPolicy:       PriorityGapPolicy{MinGap: 1},
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the clock used for timestamps, ages and the efficiency window.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithMetricsEmitter makes the manager publish queue metrics.
func WithMetricsEmitter(e *metrics.MetricsEmitter) Option {
	return func(m *Manager) {
		m.emitter = e
	}
}

// Manager is the admission-control queue. It owns every pending request until
// the request is dequeued, shed or rejected. All mutations are serialized by
// one mutex; GetQueueStatus reads an atomically published snapshot that is
// rebuilt on every mutation.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.PassiveClock
	emitter *metrics.MetricsEmitter

	serve *orderedHeap
	age   *orderedHeap
	evict *orderedHeap
	ids   map[string]*entry

	seq             uint64
	depthByPriority [interfaces.PriorityLow + 1]int
	// newestByPriority is the latest EnqueuedAt admitted per class. It may be
	// newer than any entry still queued.
	newestByPriority [interfaces.PriorityLow + 1]time.Time

	admitted int64
	served   int64
	shed     int64
	rejected int64

	window *efficiencyWindow

	snapshot atomic.Pointer[interfaces.QueueStatus]
}

var allPriorities = interfaces.Priorities()

var _ interfaces.QueueManager = (*Manager)(nil)

// NewManager creates an empty queue.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.ShedPolicy == nil {
		cfg.ShedPolicy = PriorityGapPolicy{MinGap: 1}
	}
	if cfg.EfficiencyWindow <= 0 {
		cfg.EfficiencyWindow = defaultEfficiencyWindow
	}
	m := &Manager{
		cfg:   cfg,
		clock: clock.RealClock{},
		serve: newOrderedHeap(slotServe, serveBefore),
		age:   newOrderedHeap(slotAge, olderThan),
		evict: newOrderedHeap(slotEvict, evictBefore),
		ids:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.window = newEfficiencyWindow(cfg.EfficiencyWindow)

	m.mu.Lock()
	m.publishLocked(m.clock.Now())
	m.mu.Unlock()
	return m
}

// Enqueue admits req or refuses it with ErrOverloaded. The flow control action
// is computed from the queue state at the moment of the call.
func (m *Manager) Enqueue(req interfaces.Request) (interfaces.EnqueueReceipt, error) {
	if err := req.Validate(); err != nil {
		return interfaces.EnqueueReceipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ids[req.ID]; exists {
		return interfaces.EnqueueReceipt{}, fmt.Errorf("%w: %s is already queued", interfaces.ErrDuplicateRequest, req.ID)
	}

	now := m.clock.Now()
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}

	state := m.stateLocked(now)
	action := ActionFor(state)
	receipt := interfaces.EnqueueReceipt{Action: action}

	switch action {
	case interfaces.ActionReject:
		return interfaces.EnqueueReceipt{}, m.rejectLocked(req, action, now,
			fmt.Sprintf("queue state %s", state))

	case interfaces.ActionShed:
		victim := m.evict.peek()
		if victim == nil || !m.cfg.ShedPolicy.AllowEviction(req.Priority, victim.req.Priority) {
			return interfaces.EnqueueReceipt{}, m.rejectLocked(req, action, now,
				"no lower priority request to shed")
		}
		m.removeLocked(victim)
		m.shed++
		evicted := victim.req
		receipt.Evicted = &evicted
		m.emit(m.emitter.EmitShed(evicted.Priority))
		logger.Log.Debugw("Shed queued request to admit higher priority work",
			"evicted", evicted.ID, "evictedPriority", evicted.Priority.String(),
			"admitted", req.ID, "admittedPriority", req.Priority.String())

	case interfaces.ActionThrottle:
		receipt.ThrottleDelay = m.cfg.ThrottleDelay
	}

	e := m.insertLocked(req)
	m.admitted++
	m.window.add(now, req.Priority.Weight(), false)

	receipt.Position = m.positionLocked(e)
	receipt.ExpectedWait = m.window.expectedWait(now, receipt.Position)

	m.emit(m.emitter.EmitAdmission(action, req.Priority))
	m.publishLocked(now)
	return receipt, nil
}

// DequeueNext removes and returns the highest priority, oldest request.
func (m *Manager) DequeueNext() (interfaces.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	top := m.serve.peek()
	if top == nil {
		return interfaces.Request{}, interfaces.ErrQueueEmpty
	}
	m.removeLocked(top)
	m.served++

	now := m.clock.Now()
	m.window.add(now, top.req.Priority.Weight(), true)
	m.publishLocked(now)
	return top.req, nil
}

// GetQueueStatus returns the latest published snapshot. It never blocks on
// the queue lock and never mutates the queue.
func (m *Manager) GetQueueStatus() interfaces.QueueStatus {
	s := *m.snapshot.Load()
	s.DepthByPriority = maps.Clone(s.DepthByPriority)
	return s
}

// Refresh republishes the snapshot so that age-driven state changes become
// visible without a mutation. Queue contents are untouched.
func (m *Manager) Refresh() interfaces.QueueStatus {
	m.mu.Lock()
	m.publishLocked(m.clock.Now())
	m.mu.Unlock()
	return m.GetQueueStatus()
}

// Len returns the current depth.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serve.Len()
}

func (m *Manager) rejectLocked(req interfaces.Request, action interfaces.FlowControlAction, now time.Time, why string) error {
	m.rejected++
	m.emit(m.emitter.EmitAdmission(interfaces.ActionReject, req.Priority))
	m.publishLocked(now)
	logger.Log.Debugw("Request rejected by flow control",
		"request", req.ID, "priority", req.Priority.String(), "action", action.String(), "reason", why)
	return fmt.Errorf("%w: request %s refused: %s", interfaces.ErrOverloaded, req.ID, why)
}

func (m *Manager) insertLocked(req interfaces.Request) *entry {
	m.seq++
	e := &entry{req: req, seq: m.seq}
	m.serve.push(e)
	m.age.push(e)
	m.evict.push(e)
	m.ids[req.ID] = e
	m.depthByPriority[req.Priority]++
	if req.EnqueuedAt.After(m.newestByPriority[req.Priority]) {
		m.newestByPriority[req.Priority] = req.EnqueuedAt
	}
	return e
}

func (m *Manager) removeLocked(e *entry) {
	m.serve.remove(e)
	m.age.remove(e)
	m.evict.remove(e)
	delete(m.ids, e.req.ID)
	m.depthByPriority[e.req.Priority]--
}

// positionLocked is the 1-based rank of e in dequeue order. Every request of
// a higher class is ahead of e. Within its class e is last unless the caller
// backdated EnqueuedAt, in which case the class is scanned in O(n).
func (m *Manager) positionLocked(e *entry) int {
	p := e.req.Priority
	pos := 0
	for _, higher := range allPriorities {
		if higher == p {
			break
		}
		pos += m.depthByPriority[higher]
	}
	if !e.req.EnqueuedAt.Before(m.newestByPriority[p]) {
		return pos + m.depthByPriority[p]
	}
	pos++
	for _, other := range m.serve.items {
		if other != e && other.req.Priority == p && olderThan(other, e) {
			pos++
		}
	}
	return pos
}

func (m *Manager) oldestWaitLocked(now time.Time) time.Duration {
	oldest := m.age.peek()
	if oldest == nil {
		return 0
	}
	return max(0, now.Sub(oldest.req.EnqueuedAt))
}

func (m *Manager) stateLocked(now time.Time) interfaces.QueueState {
	depth := m.serve.Len()
	if m.cfg.Capacity > 0 && depth >= m.cfg.Capacity {
		return interfaces.QueueStateOverload
	}
	return m.cfg.Thresholds.Classify(depth, m.oldestWaitLocked(now))
}

func (m *Manager) publishLocked(now time.Time) {
	state := m.stateLocked(now)
	byPriority := make(map[interfaces.Priority]int, len(allPriorities))
	for _, p := range allPriorities {
		byPriority[p] = m.depthByPriority[p]
	}
	status := &interfaces.QueueStatus{
		Depth:           m.serve.Len(),
		State:           state,
		Action:          ActionFor(state),
		EfficiencyScore: m.window.score(now),
		OldestWait:      m.oldestWaitLocked(now),
		DepthByPriority: byPriority,
		Admitted:        m.admitted,
		Served:          m.served,
		Shed:            m.shed,
		Rejected:        m.rejected,
		ObservedAt:      now,
	}
	m.snapshot.Store(status)
	m.emit(m.emitter.EmitQueueMetrics(*status))
}

func (m *Manager) emit(err error) {
	if err != nil {
		logger.Log.Debugw("Failed to emit queue metrics", "error", err)
	}
}
