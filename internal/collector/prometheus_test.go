package collector

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/apimachinery/pkg/util/wait"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/constants"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

// fakePromAPI answers Query from a table of metric name -> value. Queries
// carrying a namespace selector are answered from nsResults.
type fakePromAPI struct {
	promv1.API

	mu        sync.Mutex
	results   map[string]float64
	nsResults map[string]float64
	err       error
	failFirst int
	queries   []string
}

func (f *fakePromAPI) Query(_ context.Context, query string, _ time.Time, _ ...promv1.Option) (model.Value, promv1.Warnings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)

	if f.failFirst > 0 {
		f.failFirst--
		return nil, nil, errors.New("connection refused")
	}
	if f.err != nil {
		return nil, nil, f.err
	}

	table := f.results
	if strings.Contains(query, constants.LabelNamespace+"=") {
		table = f.nsResults
	}
	// The error-rate query names both counters; match it before its parts.
	names := []string{
		constants.VLLMRequestFailureTotal,
		constants.VLLMTimeToFirstTokenSecondsBucket,
		constants.VLLMGPUCacheUsagePerc,
		constants.VLLMGenerationTokensTotal,
	}
	for _, name := range names {
		if strings.Contains(query, name) {
			if v, ok := table[name]; ok {
				return model.Vector{&model.Sample{Value: model.SampleValue(v)}}, nil, nil
			}
			return model.Vector{}, nil, nil
		}
	}
	return model.Vector{}, nil, nil
}

func (f *fakePromAPI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePromAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

var _ = Describe("PrometheusSource", func() {
	var (
		ctx       context.Context
		fakeClock *testingclock.FakeClock
		api       *fakePromAPI
		cfg       PrometheusSourceConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		fakeClock = testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		api = &fakePromAPI{results: map[string]float64{
			constants.VLLMTimeToFirstTokenSecondsBucket: 0.42,
			constants.VLLMGPUCacheUsagePerc:             0.65,
			constants.VLLMRequestFailureTotal:           2.5,
			constants.VLLMGenerationTokensTotal:         1800,
		}}
		cfg = PrometheusSourceConfig{
			ModelID:  "llama-3-8b",
			Backoff:  wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3},
			CacheTTL: 30 * time.Second,
		}
	})

	It("converts vLLM metrics into an observation", func() {
		source := NewPrometheusSource(api, cfg, fakeClock)
		obs, err := source.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.TTFTP95Milliseconds).To(BeNumerically("~", 420, 1e-9))
		Expect(obs.Utilization).To(Equal(0.65))
		Expect(obs.ErrorRatePercent).To(Equal(2.5))
		Expect(obs.TokensPerSecond).To(Equal(1800.0))
		Expect(obs.ObservedAt).To(Equal(fakeClock.Now()))

		queries := api.recorded()
		Expect(queries).To(ContainElement(ContainSubstring("histogram_quantile(0.95")))
		Expect(queries).To(ContainElement(ContainSubstring(`model_name="llama-3-8b"`)))
		Expect(queries).To(ContainElement(ContainSubstring("[1m]")))
	})

	It("falls back to the model-only selector when the namespaced query is empty", func() {
		cfg.Namespace = "inference"
		api.nsResults = map[string]float64{
			constants.VLLMTimeToFirstTokenSecondsBucket: 0.2,
		}
		source := NewPrometheusSource(api, cfg, fakeClock)

		obs, err := source.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.TTFTP95Milliseconds).To(BeNumerically("~", 200, 1e-9))
		Expect(obs.Utilization).To(Equal(0.65))
	})

	It("retries a failing query", func() {
		api.failFirst = 2
		source := NewPrometheusSource(api, cfg, fakeClock)
		_, err := source.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	It("reports metrics unavailable when a required metric is missing", func() {
		delete(api.results, constants.VLLMGPUCacheUsagePerc)
		source := NewPrometheusSource(api, cfg, fakeClock)
		_, err := source.Observe(ctx)
		Expect(err).To(MatchError(interfaces.ErrMetricsUnavailable))
		Expect(err.Error()).To(ContainSubstring(constants.VLLMGPUCacheUsagePerc))
	})

	It("treats an idle fleet as zero error rate and throughput", func() {
		delete(api.results, constants.VLLMRequestFailureTotal)
		api.results[constants.VLLMGenerationTokensTotal] = math.NaN()
		source := NewPrometheusSource(api, cfg, fakeClock)
		obs, err := source.Observe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(obs.ErrorRatePercent).To(BeZero())
		Expect(obs.TokensPerSecond).To(BeZero())
	})

	Context("when Prometheus goes away", func() {
		It("serves the last good observation within the TTL", func() {
			source := NewPrometheusSource(api, cfg, fakeClock)
			first, err := source.Observe(ctx)
			Expect(err).NotTo(HaveOccurred())

			api.setErr(errors.New("connection refused"))
			fakeClock.Step(10 * time.Second)
			cached, err := source.Observe(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(cached).To(Equal(first))

			fakeClock.Step(time.Minute)
			_, err = source.Observe(ctx)
			Expect(err).To(MatchError(interfaces.ErrMetricsUnavailable))
			Expect(err.Error()).To(ContainSubstring("connection refused"))
		})
	})
})

var _ = Describe("FixValue", func() {
	DescribeTable("replaces non-finite values with zero",
		func(in, want float64) {
			FixValue(&in)
			Expect(in).To(Equal(want))
		},
		Entry("NaN", math.NaN(), 0.0),
		Entry("+Inf", math.Inf(1), 0.0),
		Entry("-Inf", math.Inf(-1), 0.0),
		Entry("finite", 1.5, 1.5),
	)
})
