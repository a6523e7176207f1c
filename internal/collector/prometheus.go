package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/constants"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
)

// PrometheusSourceConfig selects the model whose vLLM metrics are observed.
type PrometheusSourceConfig struct {
	ModelID string
	// Namespace narrows the queries; when the namespaced query comes back
	// empty the source retries without it (vllm-emulator does not set it).
	Namespace string
	// RateWindow is the range used in rate() and histogram_quantile queries.
	RateWindow time.Duration
	// QueryTimeout bounds one query attempt.
	QueryTimeout time.Duration
	Backoff      wait.Backoff
	CacheTTL     time.Duration
}

func (c PrometheusSourceConfig) withDefaults() PrometheusSourceConfig {
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.Backoff.Steps <= 0 {
		c.Backoff = wait.Backoff{Duration: 100 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: 3}
	}
	return c
}

// PrometheusSource implements interfaces.MetricsSource over vLLM metrics
// scraped by Prometheus.
type PrometheusSource struct {
	api   promv1.API
	cfg   PrometheusSourceConfig
	cache *ObservationCache
	clock clock.PassiveClock
}

// NewPrometheusAPI builds a Prometheus HTTP API client for address.
func NewPrometheusAPI(address string) (promv1.API, error) {
	client, err := promapi.NewClient(promapi.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return promv1.NewAPI(client), nil
}

// NewPrometheusSource returns a source that queries api. clk drives the cache
// expiry and query timestamps; nil means the real clock.
func NewPrometheusSource(api promv1.API, cfg PrometheusSourceConfig, clk clock.PassiveClock) *PrometheusSource {
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg = cfg.withDefaults()
	return &PrometheusSource{
		api:   api,
		cfg:   cfg,
		cache: NewObservationCache(cfg.CacheTTL, clk),
		clock: clk,
	}
}

// Observe runs the four fleet queries. If any required query fails, the last
// good observation is returned while it is within the cache TTL; otherwise
// the error wraps interfaces.ErrMetricsUnavailable.
func (s *PrometheusSource) Observe(ctx context.Context) (interfaces.ServiceObservation, error) {
	obs, err := s.query(ctx)
	if err == nil {
		s.cache.Set(s.cfg.ModelID, s.cfg.Namespace, obs)
		return obs, nil
	}

	if cached, ok := s.cache.Get(s.cfg.ModelID, s.cfg.Namespace); ok {
		logger.Log.Warnw("Prometheus query failed, serving cached observation",
			"model", s.cfg.ModelID, "age", s.clock.Since(cached.LastUpdated), "error", err)
		return cached.Observation, nil
	}
	return interfaces.ServiceObservation{}, fmt.Errorf("%w: %w", interfaces.ErrMetricsUnavailable, err)
}

func (s *PrometheusSource) query(ctx context.Context) (interfaces.ServiceObservation, error) {
	obs := interfaces.ServiceObservation{ObservedAt: s.clock.Now()}
	window := model.Duration(s.cfg.RateWindow).String()

	ttft, found, err := s.queryWithFallback(ctx, "TTFTP95", func(sel string) string {
		return fmt.Sprintf(`histogram_quantile(0.95, sum by (le) (rate(%s{%s}[%s])))`,
			constants.VLLMTimeToFirstTokenSecondsBucket, sel, window)
	})
	if err != nil {
		return obs, err
	}
	if !found {
		return obs, fmt.Errorf("no %s samples for model %q", constants.VLLMTimeToFirstTokenSecondsBucket, s.cfg.ModelID)
	}
	obs.TTFTP95Milliseconds = ttft * 1000

	util, found, err := s.queryWithFallback(ctx, "Utilization", func(sel string) string {
		return fmt.Sprintf(`avg(%s{%s})`, constants.VLLMGPUCacheUsagePerc, sel)
	})
	if err != nil {
		return obs, err
	}
	if !found {
		return obs, fmt.Errorf("no %s samples for model %q", constants.VLLMGPUCacheUsagePerc, s.cfg.ModelID)
	}
	obs.Utilization = math.Min(1, math.Max(0, util))

	// An idle fleet has no rate samples; zero is the right reading for both.
	obs.ErrorRatePercent, _, err = s.queryWithFallback(ctx, "ErrorRate", func(sel string) string {
		return fmt.Sprintf(`100 * sum(rate(%[1]s{%[3]s}[%[4]s])) / (sum(rate(%[1]s{%[3]s}[%[4]s])) + sum(rate(%[2]s{%[3]s}[%[4]s])))`,
			constants.VLLMRequestFailureTotal, constants.VLLMRequestSuccessTotal, sel, window)
	})
	if err != nil {
		return obs, err
	}

	obs.TokensPerSecond, _, err = s.queryWithFallback(ctx, "TokensPerSecond", func(sel string) string {
		return fmt.Sprintf(`sum(rate(%s{%s}[%s]))`, constants.VLLMGenerationTokensTotal, sel, window)
	})
	if err != nil {
		return obs, err
	}
	return obs, nil
}

// queryWithFallback renders the query with the namespaced selector first and
// falls back to the model-only selector when that returns no samples.
func (s *PrometheusSource) queryWithFallback(ctx context.Context, metricName string, render func(selector string) string) (float64, bool, error) {
	modelSel := fmt.Sprintf(`%s="%s"`, constants.LabelModelName, s.cfg.ModelID)
	if s.cfg.Namespace != "" {
		nsSel := fmt.Sprintf(`%s,%s="%s"`, modelSel, constants.LabelNamespace, s.cfg.Namespace)
		v, found, err := s.queryAndExtractMetric(ctx, render(nsSel), metricName)
		if err != nil || found {
			return v, found, err
		}
		logger.Log.Debugw("Namespaced query returned no samples, trying fallback", "metric", metricName)
	}
	return s.queryAndExtractMetric(ctx, render(modelSel), metricName)
}

// queryAndExtractMetric runs query with retries and returns the first sample
// of the resulting vector.
func (s *PrometheusSource) queryAndExtractMetric(ctx context.Context, query, metricName string) (float64, bool, error) {
	var (
		value    float64
		found    bool
		queryErr error
	)
	err := wait.ExponentialBackoffWithContext(ctx, s.cfg.Backoff, func(ctx context.Context) (bool, error) {
		qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()

		val, warn, err := s.api.Query(qctx, query, s.clock.Now())
		if err != nil {
			queryErr = err
			logger.Log.Debugw("Prometheus query failed, retrying", "metric", metricName, "error", err)
			return false, nil
		}
		if len(warn) > 0 {
			logger.Log.Warnw("Prometheus warnings", "metric", metricName, "warnings", warn)
		}

		if val == nil || val.Type() != model.ValVector {
			return true, nil
		}
		vec := val.(model.Vector)
		if len(vec) > 0 {
			value = float64(vec[0].Value)
			FixValue(&value)
			found = true
		}
		return true, nil
	})
	if err != nil {
		if queryErr != nil && (wait.Interrupted(err) || errors.Is(err, context.DeadlineExceeded)) {
			err = queryErr
		}
		return 0, false, fmt.Errorf("failed to query Prometheus for %s: %w", metricName, err)
	}
	return value, found, nil
}

// FixValue zeroes NaN and infinite values.
func FixValue(x *float64) {
	if math.IsNaN(*x) || math.IsInf(*x, 0) {
		*x = 0
	}
}
