package collector

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

var _ = Describe("ObservationCache", func() {
	var (
		fakeClock *testingclock.FakeClock
		cache     *ObservationCache
	)

	BeforeEach(func() {
		fakeClock = testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		cache = NewObservationCache(30*time.Second, fakeClock)
	})

	Context("Basic operations", func() {
		It("should set and get observations", func() {
			cache.Set("model-a", "ns", interfaces.ServiceObservation{TTFTP95Milliseconds: 120})

			entry, ok := cache.Get("model-a", "ns")
			Expect(ok).To(BeTrue())
			Expect(entry.Observation.TTFTP95Milliseconds).To(Equal(120.0))
			Expect(entry.LastUpdated).To(Equal(fakeClock.Now()))
		})

		It("should keep namespaces apart", func() {
			cache.Set("model-a", "ns1", interfaces.ServiceObservation{TTFTP95Milliseconds: 1})
			_, ok := cache.Get("model-a", "ns2")
			Expect(ok).To(BeFalse())
		})
	})

	Context("TTL", func() {
		It("should expire entries after the TTL", func() {
			cache.Set("model-a", "", interfaces.ServiceObservation{})
			fakeClock.Step(30 * time.Second)
			_, ok := cache.Get("model-a", "")
			Expect(ok).To(BeTrue())

			fakeClock.Step(time.Millisecond)
			_, ok = cache.Get("model-a", "")
			Expect(ok).To(BeFalse())
		})

		It("should refresh an expired entry on the next set", func() {
			cache.Set("model-a", "", interfaces.ServiceObservation{Utilization: 0.2})
			fakeClock.Step(time.Minute)
			_, ok := cache.Get("model-a", "")
			Expect(ok).To(BeFalse())

			cache.Set("model-a", "", interfaces.ServiceObservation{Utilization: 0.4})
			entry, ok := cache.Get("model-a", "")
			Expect(ok).To(BeTrue())
			Expect(entry.Observation.Utilization).To(Equal(0.4))
		})

		It("should default a non-positive TTL", func() {
			c := NewObservationCache(0, fakeClock)
			Expect(c.ttl).To(Equal(30 * time.Second))
		})
	})

	It("should be safe for concurrent use", func() {
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range 100 {
					cache.Set("model", "", interfaces.ServiceObservation{Utilization: float64(i*100+j) / 1000})
					_, _ = cache.Get("model", "")
				}
			}()
		}
		wg.Wait()
		Expect(cache.entries).To(HaveLen(1))
		_, ok := cache.Get("model", "")
		Expect(ok).To(BeTrue())
	})
})
