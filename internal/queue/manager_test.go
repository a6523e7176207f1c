package queue

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/metrics"
)

// captureLogs routes the shared logger to an in-memory core for one spec.
func captureLogs() *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.Log
	logger.Log = zap.New(core).Sugar()
	DeferCleanup(func() { logger.Log = prev })
	return logs
}

var _ = Describe("Manager", func() {
	var (
		fakeClock *testingclock.FakeClock
		start     time.Time
	)

	newRequest := func(id string, p interfaces.Priority) interfaces.Request {
		return interfaces.Request{ID: id, Priority: p, EstimatedTokens: 256, ModelID: "llama-3-8b"}
	}

	BeforeEach(func() {
		start = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		fakeClock = testingclock.NewFakeClock(start)
	})

	Context("ordering", func() {
		var m *Manager

		BeforeEach(func() {
			m = NewManager(Config{}, WithClock(fakeClock))
		})

		It("serves by priority, then FIFO", func() {
			_, err := m.Enqueue(newRequest("critical", interfaces.PriorityCritical))
			Expect(err).NotTo(HaveOccurred())
			fakeClock.Step(time.Second)
			_, err = m.Enqueue(newRequest("normal", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			fakeClock.Step(time.Second)
			_, err = m.Enqueue(newRequest("high", interfaces.PriorityHigh))
			Expect(err).NotTo(HaveOccurred())

			var order []interfaces.Priority
			for range 3 {
				req, err := m.DequeueNext()
				Expect(err).NotTo(HaveOccurred())
				order = append(order, req.Priority)
			}
			Expect(order).To(Equal([]interfaces.Priority{
				interfaces.PriorityCritical, interfaces.PriorityHigh, interfaces.PriorityNormal,
			}))
		})

		It("breaks timestamp ties by insertion sequence", func() {
			for i := range 5 {
				_, err := m.Enqueue(newRequest(fmt.Sprintf("req-%d", i), interfaces.PriorityNormal))
				Expect(err).NotTo(HaveOccurred())
			}
			for i := range 5 {
				req, err := m.DequeueNext()
				Expect(err).NotTo(HaveOccurred())
				Expect(req.ID).To(Equal(fmt.Sprintf("req-%d", i)))
			}
		})

		It("honors caller supplied enqueue timestamps", func() {
			late := newRequest("late", interfaces.PriorityHigh)
			late.EnqueuedAt = start.Add(time.Minute)
			early := newRequest("early", interfaces.PriorityHigh)
			early.EnqueuedAt = start

			_, err := m.Enqueue(late)
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Enqueue(early)
			Expect(err).NotTo(HaveOccurred())

			req, err := m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())
			Expect(req.ID).To(Equal("early"))
		})

		It("never serves a lower priority ahead of a queued higher priority", func() {
			rng := rand.New(rand.NewPCG(7, 11))
			pending := map[string]interfaces.Priority{}
			next := 0
			for range 2000 {
				if rng.IntN(3) > 0 {
					id := fmt.Sprintf("req-%d", next)
					next++
					p := interfaces.Priority(rng.IntN(4))
					_, err := m.Enqueue(newRequest(id, p))
					Expect(err).NotTo(HaveOccurred())
					pending[id] = p
					if rng.IntN(2) == 0 {
						fakeClock.Step(time.Millisecond)
					}
					continue
				}

				req, err := m.DequeueNext()
				if len(pending) == 0 {
					Expect(errors.Is(err, interfaces.ErrQueueEmpty)).To(BeTrue())
					continue
				}
				Expect(err).NotTo(HaveOccurred())
				delete(pending, req.ID)
				for id, p := range pending {
					Expect(req.Priority.HigherThan(p) || req.Priority == p).To(BeTrue(),
						"served %s (%s) while %s (%s) was queued", req.ID, req.Priority, id, p)
				}
			}
		})

		It("reports ErrQueueEmpty when nothing is pending", func() {
			_, err := m.DequeueNext()
			Expect(err).To(MatchError(interfaces.ErrQueueEmpty))
		})

		It("assigns receipt positions in dequeue order", func() {
			r, err := m.Enqueue(newRequest("low", interfaces.PriorityLow))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Position).To(Equal(1))

			r, err = m.Enqueue(newRequest("critical", interfaces.PriorityCritical))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Position).To(Equal(1))

			r, err = m.Enqueue(newRequest("normal", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Position).To(Equal(2))
			Expect(r.ExpectedWait).To(BeZero())
		})

		It("estimates the wait from the observed service interval", func() {
			for i := range 4 {
				_, err := m.Enqueue(newRequest(fmt.Sprintf("req-%d", i), interfaces.PriorityNormal))
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())
			fakeClock.Step(100 * time.Millisecond)
			_, err = m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())

			// two served in 100ms
			r, err := m.Enqueue(newRequest("tail", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Position).To(Equal(3))
			Expect(r.ExpectedWait).To(Equal(150 * time.Millisecond))
		})

		It("estimates the wait when requests are drained in batches", func() {
			for i := range 500 {
				_, err := m.Enqueue(newRequest(fmt.Sprintf("req-%d", i), interfaces.PriorityNormal))
				Expect(err).NotTo(HaveOccurred())
			}
			// 10 requests every 100ms, all dequeued at the same instant
			for range 20 {
				for range 10 {
					_, err := m.DequeueNext()
					Expect(err).NotTo(HaveOccurred())
				}
				fakeClock.Step(100 * time.Millisecond)
			}

			r, err := m.Enqueue(newRequest("tail", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Position).To(Equal(301))
			Expect(r.ExpectedWait).To(Equal(3010 * time.Millisecond))
		})

		It("forgets the service rate once the window has no served requests", func() {
			m := NewManager(Config{EfficiencyWindow: time.Minute}, WithClock(fakeClock))
			for i := range 3 {
				_, err := m.Enqueue(newRequest(fmt.Sprintf("req-%d", i), interfaces.PriorityNormal))
				Expect(err).NotTo(HaveOccurred())
			}
			fakeClock.Step(time.Second)
			_, err := m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())

			fakeClock.Step(2 * time.Minute)
			r, err := m.Enqueue(newRequest("tail", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Position).To(Equal(3))
			Expect(r.ExpectedWait).To(BeZero())
		})

		It("ranks a backdated request among its class", func() {
			_, err := m.Enqueue(newRequest("high", interfaces.PriorityHigh))
			Expect(err).NotTo(HaveOccurred())
			fakeClock.Step(time.Second)
			_, err = m.Enqueue(newRequest("normal-1", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			fakeClock.Step(time.Second)
			_, err = m.Enqueue(newRequest("normal-2", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())

			late := newRequest("late", interfaces.PriorityNormal)
			late.EnqueuedAt = start.Add(500 * time.Millisecond)
			r, err := m.Enqueue(late)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Position).To(Equal(2))

			var order []string
			for range 4 {
				req, err := m.DequeueNext()
				Expect(err).NotTo(HaveOccurred())
				order = append(order, req.ID)
			}
			Expect(order).To(Equal([]string{"high", "late", "normal-1", "normal-2"}))
		})
	})

	Context("metrics", func() {
		It("logs emitter failures without failing the operation", func() {
			logs := captureLogs()
			// the suite never registers the queue collectors
			m := NewManager(Config{}, WithClock(fakeClock), WithMetricsEmitter(metrics.NewMetricsEmitter()))

			_, err := m.Enqueue(newRequest("req", interfaces.PriorityHigh))
			Expect(err).NotTo(HaveOccurred())
			_, err = m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())

			failures := logs.FilterMessage("Failed to emit queue metrics")
			Expect(failures.Len()).To(BeNumerically(">=", 3))
			for _, entry := range failures.All() {
				Expect(entry.Level).To(Equal(zapcore.DebugLevel))
				Expect(entry.ContextMap()).To(HaveKey("error"))
			}
		})
	})

	Context("validation", func() {
		var m *Manager

		BeforeEach(func() {
			m = NewManager(Config{}, WithClock(fakeClock))
		})

		DescribeTable("rejects malformed requests",
			func(req interfaces.Request) {
				_, err := m.Enqueue(req)
				Expect(err).To(MatchError(interfaces.ErrInvalidRequest))
				Expect(m.GetQueueStatus().Depth).To(BeZero())
			},
			Entry("empty id", interfaces.Request{Priority: interfaces.PriorityHigh}),
			Entry("unknown priority", interfaces.Request{ID: "x", Priority: interfaces.Priority(9)}),
			Entry("negative cost", interfaces.Request{ID: "x", EstimatedTokens: -1}),
		)

		It("keeps a single owner per request id", func() {
			_, err := m.Enqueue(newRequest("dup", interfaces.PriorityHigh))
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Enqueue(newRequest("dup", interfaces.PriorityCritical))
			Expect(err).To(MatchError(interfaces.ErrDuplicateRequest))
			Expect(m.Len()).To(Equal(1))

			_, err = m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Enqueue(newRequest("dup", interfaces.PriorityCritical))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("flow control", func() {
		It("rejects when capacity puts the queue in OVERLOAD", func() {
			m := NewManager(Config{Capacity: 3}, WithClock(fakeClock))
			for i := range 3 {
				_, err := m.Enqueue(newRequest(fmt.Sprintf("req-%d", i), interfaces.PriorityNormal))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(m.GetQueueStatus().State).To(Equal(interfaces.QueueStateOverload))

			_, err := m.Enqueue(newRequest("low", interfaces.PriorityLow))
			Expect(err).To(MatchError(interfaces.ErrOverloaded))

			status := m.GetQueueStatus()
			Expect(status.Depth).To(Equal(3))
			Expect(status.Rejected).To(Equal(int64(1)))
			Expect(status.Action).To(Equal(interfaces.ActionReject))
		})

		It("throttles in ELEVATED and records the delay", func() {
			m := NewManager(Config{
				Thresholds:    Thresholds{ElevatedDepth: 1},
				ThrottleDelay: 25 * time.Millisecond,
			}, WithClock(fakeClock))

			r, err := m.Enqueue(newRequest("first", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Action).To(Equal(interfaces.ActionAccept))
			Expect(r.ThrottleDelay).To(BeZero())

			r, err = m.Enqueue(newRequest("second", interfaces.PriorityNormal))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Action).To(Equal(interfaces.ActionThrottle))
			Expect(r.ThrottleDelay).To(Equal(25 * time.Millisecond))
			Expect(m.Len()).To(Equal(2))
		})

		It("recomputes the state from the age of the oldest request", func() {
			m := NewManager(Config{
				Thresholds: Thresholds{ElevatedWait: 2 * time.Second, OverloadWait: 10 * time.Second},
			}, WithClock(fakeClock))
			_, err := m.Enqueue(newRequest("old", interfaces.PriorityLow))
			Expect(err).NotTo(HaveOccurred())

			fakeClock.Step(3 * time.Second)
			Expect(m.GetQueueStatus().State).To(Equal(interfaces.QueueStateNominal))
			Expect(m.Refresh().State).To(Equal(interfaces.QueueStateElevated))

			r, err := m.Enqueue(newRequest("next", interfaces.PriorityLow))
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Action).To(Equal(interfaces.ActionThrottle))

			fakeClock.Step(8 * time.Second)
			_, err = m.Enqueue(newRequest("refused", interfaces.PriorityCritical))
			Expect(err).To(MatchError(interfaces.ErrOverloaded))

			_, err = m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())
			_, err = m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())
			Expect(m.GetQueueStatus().State).To(Equal(interfaces.QueueStateNominal))
		})

		Context("while shedding", func() {
			fill := func(m *Manager) {
				_, err := m.Enqueue(newRequest("low-1", interfaces.PriorityLow))
				Expect(err).NotTo(HaveOccurred())
				fakeClock.Step(time.Millisecond)
				_, err = m.Enqueue(newRequest("low-2", interfaces.PriorityLow))
				Expect(err).NotTo(HaveOccurred())
				Expect(m.GetQueueStatus().State).To(Equal(interfaces.QueueStateCritical))
			}

			It("evicts the oldest lowest priority request for a higher priority arrival", func() {
				m := NewManager(Config{Thresholds: Thresholds{CriticalDepth: 2}}, WithClock(fakeClock))
				fill(m)

				r, err := m.Enqueue(newRequest("high", interfaces.PriorityHigh))
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Action).To(Equal(interfaces.ActionShed))
				Expect(r.Evicted).NotTo(BeNil())
				Expect(r.Evicted.ID).To(Equal("low-1"))
				Expect(r.Position).To(Equal(1))

				status := m.GetQueueStatus()
				Expect(status.Depth).To(Equal(2))
				Expect(status.Shed).To(Equal(int64(1)))
				Expect(status.DepthByPriority[interfaces.PriorityLow]).To(Equal(1))
				Expect(status.DepthByPriority[interfaces.PriorityHigh]).To(Equal(1))
			})

			It("rejects an arrival that does not outrank the eviction candidate", func() {
				m := NewManager(Config{Thresholds: Thresholds{CriticalDepth: 2}}, WithClock(fakeClock))
				fill(m)

				_, err := m.Enqueue(newRequest("low-3", interfaces.PriorityLow))
				Expect(err).To(MatchError(interfaces.ErrOverloaded))
				Expect(m.Len()).To(Equal(2))
			})

			It("applies the configured priority gap", func() {
				m := NewManager(Config{
					Thresholds: Thresholds{CriticalDepth: 2},
					ShedPolicy: PriorityGapPolicy{MinGap: 2},
				}, WithClock(fakeClock))
				fill(m)

				_, err := m.Enqueue(newRequest("normal", interfaces.PriorityNormal))
				Expect(err).To(MatchError(interfaces.ErrOverloaded))

				r, err := m.Enqueue(newRequest("high", interfaces.PriorityHigh))
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Evicted.ID).To(Equal("low-1"))
			})

			It("never evicts under NoEvictionPolicy", func() {
				m := NewManager(Config{
					Thresholds: Thresholds{CriticalDepth: 2},
					ShedPolicy: NoEvictionPolicy{},
				}, WithClock(fakeClock))
				fill(m)

				_, err := m.Enqueue(newRequest("critical", interfaces.PriorityCritical))
				Expect(err).To(MatchError(interfaces.ErrOverloaded))
				Expect(m.GetQueueStatus().Shed).To(BeZero())
			})
		})
	})

	Context("status", func() {
		It("returns identical snapshots without an intervening mutation", func() {
			m := NewManager(DefaultConfig(), WithClock(fakeClock))
			_, err := m.Enqueue(newRequest("a", interfaces.PriorityHigh))
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Enqueue(newRequest("b", interfaces.PriorityLow))
			Expect(err).NotTo(HaveOccurred())

			first := m.GetQueueStatus()
			second := m.GetQueueStatus()
			Expect(cmp.Diff(first, second)).To(BeEmpty())
			Expect(cmp.Diff(first, m.Refresh())).To(BeEmpty())
		})

		It("does not share the per-priority map with callers", func() {
			m := NewManager(Config{}, WithClock(fakeClock))
			_, err := m.Enqueue(newRequest("a", interfaces.PriorityHigh))
			Expect(err).NotTo(HaveOccurred())

			s := m.GetQueueStatus()
			s.DepthByPriority[interfaces.PriorityHigh] = 42
			Expect(m.GetQueueStatus().DepthByPriority[interfaces.PriorityHigh]).To(Equal(1))
		})

		It("weights the efficiency score by priority over the trailing window", func() {
			m := NewManager(Config{EfficiencyWindow: time.Minute}, WithClock(fakeClock))
			Expect(m.GetQueueStatus().EfficiencyScore).To(Equal(1.0))

			_, err := m.Enqueue(newRequest("critical", interfaces.PriorityCritical))
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Enqueue(newRequest("low", interfaces.PriorityLow))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.GetQueueStatus().EfficiencyScore).To(BeZero())

			_, err = m.DequeueNext()
			Expect(err).NotTo(HaveOccurred())
			Expect(m.GetQueueStatus().EfficiencyScore).To(BeNumerically("~", 8.0/9.0, 1e-9))

			fakeClock.Step(2 * time.Minute)
			Expect(m.Refresh().EfficiencyScore).To(Equal(1.0))
		})

		It("accounts depth as admitted minus served minus shed", func() {
			m := NewManager(Config{
				Capacity:   40,
				Thresholds: Thresholds{ElevatedDepth: 10, CriticalDepth: 25},
			}, WithClock(fakeClock))
			rng := rand.New(rand.NewPCG(3, 5))
			for i := range 3000 {
				if rng.IntN(5) < 3 {
					_, err := m.Enqueue(newRequest(fmt.Sprintf("req-%d", i), interfaces.Priority(rng.IntN(4))))
					if err != nil {
						Expect(err).To(MatchError(interfaces.ErrOverloaded))
					}
				} else {
					_, _ = m.DequeueNext()
				}
				fakeClock.Step(time.Millisecond)

				s := m.GetQueueStatus()
				Expect(s.Depth).To(BeNumerically(">=", 0))
				Expect(int64(s.Depth)).To(Equal(s.Admitted - s.Served - s.Shed))
				sum := 0
				for _, n := range s.DepthByPriority {
					sum += n
				}
				Expect(sum).To(Equal(s.Depth))
			}
			Expect(m.GetQueueStatus().Shed).To(BeNumerically(">", 0))
		})
	})

	It("linearizes concurrent producers and a consumer", func() {
		m := NewManager(Config{})
		const producers, perProducer = 8, 200

		var wg sync.WaitGroup
		for p := range producers {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for i := range perProducer {
					_, err := m.Enqueue(newRequest(fmt.Sprintf("p%d-%d", p, i), interfaces.Priority(i%4)))
					Expect(err).NotTo(HaveOccurred())
					_ = m.GetQueueStatus()
				}
			}()
		}

		served := 0
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
	consume:
		for {
			select {
			case <-done:
				break consume
			default:
				if _, err := m.DequeueNext(); err == nil {
					served++
				}
			}
		}
		for {
			if _, err := m.DequeueNext(); err != nil {
				break
			}
			served++
		}

		Expect(served).To(Equal(producers * perProducer))
		s := m.GetQueueStatus()
		Expect(s.Depth).To(BeZero())
		Expect(s.Served).To(Equal(int64(producers * perProducer)))
	})
})
