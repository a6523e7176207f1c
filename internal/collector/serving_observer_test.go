package collector

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

var _ = Describe("ServingObserver", func() {
	var (
		ctx       context.Context
		fakeClock *testingclock.FakeClock
		observer  *ServingObserver
	)

	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		observer = NewServingObserver(time.Minute, fakeClock)
	})

	It("is unavailable before anything is recorded", func() {
		_, err := observer.Observe(ctx)
		Expect(err).To(MatchError(interfaces.ErrMetricsUnavailable))
	})

	It("is unavailable without a utilization reading", func() {
		observer.RecordCompletion(100*time.Millisecond, 10, false)
		_, err := observer.Observe(ctx)
		Expect(err).To(MatchError(interfaces.ErrMetricsUnavailable))
	})

	It("summarizes the completions in the window", func() {
		for i := 1; i <= 100; i++ {
			observer.RecordCompletion(time.Duration(i)*time.Millisecond, 50, i%10 == 0)
		}
		observer.RecordUtilization(0.6)
		fakeClock.Step(10 * time.Second)

		obs, err := observer.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.TTFTP95Milliseconds).To(BeNumerically("~", 95, 1))
		Expect(obs.ErrorRatePercent).To(BeNumerically("~", 10, 1e-9))
		Expect(obs.TokensPerSecond).To(BeNumerically("~", 500, 1e-9))
		Expect(obs.Utilization).To(Equal(0.6))
		Expect(obs.ObservedAt).To(Equal(fakeClock.Now()))
	})

	It("drops completions older than the window", func() {
		observer.RecordUtilization(0.5)
		observer.RecordCompletion(900*time.Millisecond, 10, false)
		fakeClock.Step(45 * time.Second)
		observer.RecordCompletion(100*time.Millisecond, 10, false)

		obs, err := observer.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.TTFTP95Milliseconds).To(Equal(900.0))

		fakeClock.Step(30 * time.Second)
		obs, err = observer.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.TTFTP95Milliseconds).To(Equal(100.0))

		fakeClock.Step(time.Minute)
		_, err = observer.Observe(ctx)
		Expect(err).To(MatchError(interfaces.ErrMetricsUnavailable))
	})

	It("averages utilization over the window", func() {
		observer.RecordCompletion(time.Millisecond, 1, false)
		observer.RecordUtilization(0.2)
		fakeClock.Step(30 * time.Second)
		observer.RecordUtilization(0.4)
		observer.RecordUtilization(0.9)

		obs, err := observer.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.Utilization).To(BeNumerically("~", 0.5, 1e-9))

		fakeClock.Step(45 * time.Second)
		observer.RecordCompletion(time.Millisecond, 1, false)
		obs, err = observer.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.Utilization).To(BeNumerically("~", 0.65, 1e-9))
	})

	It("clamps utilization into [0,1]", func() {
		observer.RecordCompletion(time.Millisecond, 1, false)
		observer.RecordUtilization(1.7)
		obs, err := observer.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.Utilization).To(Equal(1.0))
	})

	It("honours a cancelled context", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := observer.Observe(cctx)
		Expect(err).To(MatchError(context.Canceled))
	})
})
