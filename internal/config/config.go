// Package config holds the controller configuration: process settings loaded
// from flags and environment, and the copy-on-write store of SLO targets and
// technology profiles read by the convergence loop.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/interfaces"
)

// Config is the resolved process configuration.
type Config struct {
	MetricsBindAddress string
	LogLevel           string
	Development        bool
	// RunDuration stops the simulation after the given time. Zero runs until signalled.
	RunDuration time.Duration

	Queue      QueueConfig
	Engine     EngineConfig
	Targets    v1alpha1.SLOTargets
	Fleet      FleetConfig
	Workload   WorkloadConfig
	Serving    ServingConfig
	Prometheus PrometheusConfig
}

// QueueConfig holds the admission-control thresholds.
type QueueConfig struct {
	Capacity         int
	ElevatedDepth    int
	CriticalDepth    int
	OverloadDepth    int
	ElevatedWait     time.Duration
	CriticalWait     time.Duration
	OverloadWait     time.Duration
	ThrottleDelay    time.Duration
	EfficiencyWindow time.Duration
	// ShedMinGap is the number of priority levels an arrival must outrank a
	// queued request by before that request may be shed for it. Zero disables shedding.
	ShedMinGap int
}

// EngineConfig tunes the convergence loop.
type EngineConfig struct {
	TickInterval         time.Duration
	Tolerance            float64
	CostOverrunThreshold float64
	ScoreSmoothing       float64
	ScaleUpCooldown      time.Duration
	ScaleDownCooldown    time.Duration
	ReadTimeout          time.Duration
	HistorySize          int
}

// FleetConfig bounds the simulated fleet.
type FleetConfig struct {
	Technology      string
	InitialReplicas int
	MinReplicas     int
	MaxReplicas     int
	ScaleStep       int
}

// WorkloadConfig shapes the synthetic arrivals.
type WorkloadConfig struct {
	ArrivalRate float64
	MeanTokens  float64
	TokenSigma  float64
	PriorityMix map[interfaces.Priority]float64
	ModelID     string
	Seed        uint64
}

// ServingConfig shapes the in-process serving loop.
type ServingConfig struct {
	PollInterval      time.Duration
	BaseTTFT          time.Duration
	ObservationWindow time.Duration
	// RequestTimeout is the queue wait after which a served request counts as failed.
	RequestTimeout time.Duration
}

// PrometheusConfig selects an external metrics source. An empty Address keeps
// the in-process observer.
type PrometheusConfig struct {
	Address      string
	QueryTimeout time.Duration
	CacheTTL     time.Duration
	// Namespace narrows queries to one namespace, falling back to all
	// namespaces when it has no samples. Empty queries every namespace.
	Namespace  string
	RateWindow time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		MetricsBindAddress: ":8080",
		LogLevel:           "info",
		Queue: QueueConfig{
			Capacity:         1000,
			ElevatedDepth:    200,
			CriticalDepth:    500,
			OverloadDepth:    900,
			ElevatedWait:     2 * time.Second,
			CriticalWait:     5 * time.Second,
			OverloadWait:     10 * time.Second,
			ThrottleDelay:    50 * time.Millisecond,
			EfficiencyWindow: 5 * time.Minute,
			ShedMinGap:       1,
		},
		Engine: EngineConfig{
			TickInterval:         5 * time.Second,
			Tolerance:            0.05,
			CostOverrunThreshold: 0.10,
			ScoreSmoothing:       0.3,
			ScaleUpCooldown:      30 * time.Second,
			ScaleDownCooldown:    2 * time.Minute,
			ReadTimeout:          time.Second,
			HistorySize:          128,
		},
		Targets: v1alpha1.SLOTargets{
			TTFTP95Milliseconds:  500,
			MaxErrorRatePercent:  1,
			MinTokensPerSecond:   2000,
			CostPerMillionTokens: 0.60,
		},
		Fleet: FleetConfig{
			Technology:      "H100",
			InitialReplicas: 2,
			MinReplicas:     1,
			MaxReplicas:     16,
			ScaleStep:       1,
		},
		Workload: WorkloadConfig{
			ArrivalRate: 20,
			MeanTokens:  256,
			TokenSigma:  0.5,
			PriorityMix: DefaultPriorityMix(),
			ModelID:     "llama-3-8b",
			Seed:        1,
		},
		Serving: ServingConfig{
			PollInterval:      100 * time.Millisecond,
			BaseTTFT:          150 * time.Millisecond,
			ObservationWindow: time.Minute,
			RequestTimeout:    30 * time.Second,
		},
		Prometheus: PrometheusConfig{
			QueryTimeout: 5 * time.Second,
			CacheTTL:     30 * time.Second,
			RateWindow:   time.Minute,
		},
	}
}

// DefaultPriorityMix is the share of arrivals per priority.
func DefaultPriorityMix() map[interfaces.Priority]float64 {
	return map[interfaces.Priority]float64{
		interfaces.PriorityCritical: 1,
		interfaces.PriorityHigh:     2,
		interfaces.PriorityNormal:   5,
		interfaces.PriorityLow:      2,
	}
}

// DefaultProfiles is the built-in accelerator catalog.
func DefaultProfiles() []v1alpha1.TechnologyProfile {
	return []v1alpha1.TechnologyProfile{
		{Name: "H100", MemoryCapacity: resource.MustParse("80Gi"), CostPerHour: 3.60, TokensPerSecond: 2400},
		{Name: "A100", MemoryCapacity: resource.MustParse("80Gi"), CostPerHour: 2.20, TokensPerSecond: 1400},
		{Name: "L40S", MemoryCapacity: resource.MustParse("48Gi"), CostPerHour: 1.40, TokensPerSecond: 900},
		{Name: "A10G", MemoryCapacity: resource.MustParse("24Gi"), CostPerHour: 1.00, TokensPerSecond: 400},
	}
}

// ParsePriorityMix parses "critical=1,high=2,normal=5,low=2". Priorities that
// are not named get no arrivals.
func ParsePriorityMix(s string) (map[interfaces.Priority]float64, error) {
	mix := make(map[interfaces.Priority]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("priority mix entry %q is not name=weight", part)
		}
		p, err := interfaces.ParsePriority(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("priority mix weight for %s: %w", p, err)
		}
		if w < 0 {
			return nil, fmt.Errorf("priority mix weight for %s must not be negative", p)
		}
		mix[p] = w
	}
	return mix, nil
}

// FormatPriorityMix renders a mix in the form ParsePriorityMix accepts.
func FormatPriorityMix(mix map[interfaces.Priority]float64) string {
	keys := make([]interfaces.Priority, 0, len(mix))
	for p := range mix {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	parts := make([]string, 0, len(keys))
	for _, p := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", strings.ToLower(p.String()), strconv.FormatFloat(mix[p], 'g', -1, 64)))
	}
	return strings.Join(parts, ",")
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs []error

	q := cfg.Queue
	if q.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue capacity must not be negative"))
	}
	if !ascending(q.ElevatedDepth, q.CriticalDepth, q.OverloadDepth) {
		errs = append(errs, fmt.Errorf("queue depth thresholds must be non-negative and ascending"))
	}
	if !ascending(int(q.ElevatedWait), int(q.CriticalWait), int(q.OverloadWait)) {
		errs = append(errs, fmt.Errorf("queue wait thresholds must be non-negative and ascending"))
	}
	if q.EfficiencyWindow <= 0 {
		errs = append(errs, fmt.Errorf("queue efficiency window must be positive"))
	}
	if q.ShedMinGap < 0 {
		errs = append(errs, fmt.Errorf("shed priority gap must not be negative"))
	}

	e := cfg.Engine
	if e.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive"))
	}
	if e.Tolerance <= 0 || e.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("tolerance must be within (0,1), got %v", e.Tolerance))
	}
	if e.CostOverrunThreshold < e.Tolerance {
		errs = append(errs, fmt.Errorf("cost overrun threshold %v must not be below the tolerance %v", e.CostOverrunThreshold, e.Tolerance))
	}
	if e.ScoreSmoothing <= 0 || e.ScoreSmoothing > 1 {
		errs = append(errs, fmt.Errorf("score smoothing must be within (0,1], got %v", e.ScoreSmoothing))
	}
	if e.ScaleUpCooldown < 0 || e.ScaleDownCooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldowns must not be negative"))
	}
	if e.ScaleDownCooldown < e.ScaleUpCooldown {
		errs = append(errs, fmt.Errorf("scale-down cooldown %s must not be shorter than scale-up cooldown %s",
			e.ScaleDownCooldown, e.ScaleUpCooldown))
	}
	if e.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read timeout must be positive"))
	}

	if err := cfg.Targets.Validate(); err != nil {
		errs = append(errs, err)
	}

	f := cfg.Fleet
	if f.MinReplicas < 1 {
		errs = append(errs, fmt.Errorf("minimum replicas must be at least 1"))
	}
	if f.MaxReplicas < f.MinReplicas {
		errs = append(errs, fmt.Errorf("maximum replicas %d is below minimum %d", f.MaxReplicas, f.MinReplicas))
	}
	if f.InitialReplicas < f.MinReplicas || f.InitialReplicas > f.MaxReplicas {
		errs = append(errs, fmt.Errorf("initial replicas %d outside [%d,%d]", f.InitialReplicas, f.MinReplicas, f.MaxReplicas))
	}
	if f.ScaleStep < 1 {
		errs = append(errs, fmt.Errorf("scale step must be at least 1"))
	}
	if f.Technology == "" {
		errs = append(errs, fmt.Errorf("fleet technology must be set"))
	}

	w := cfg.Workload
	if w.ArrivalRate < 0 {
		errs = append(errs, fmt.Errorf("arrival rate must not be negative"))
	}
	if w.MeanTokens <= 0 {
		errs = append(errs, fmt.Errorf("mean tokens must be positive"))
	}
	if w.TokenSigma < 0 {
		errs = append(errs, fmt.Errorf("token sigma must not be negative"))
	}
	total := 0.0
	for _, v := range w.PriorityMix {
		total += v
	}
	if total <= 0 {
		errs = append(errs, fmt.Errorf("priority mix must give at least one priority a positive weight"))
	}

	if cfg.Serving.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("serving poll interval must be positive"))
	}
	if cfg.Serving.ObservationWindow <= 0 {
		errs = append(errs, fmt.Errorf("observation window must be positive"))
	}
	if cfg.Serving.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive"))
	}
	if cfg.Prometheus.RateWindow < 0 {
		errs = append(errs, fmt.Errorf("prometheus rate window must not be negative"))
	}

	return utilerrors.NewAggregate(errs)
}

// ascending reports whether the non-zero values are positive and in order.
func ascending(values ...int) bool {
	last := 0
	for _, v := range values {
		if v < 0 {
			return false
		}
		if v == 0 {
			continue
		}
		if v < last {
			return false
		}
		last = v
	}
	return true
}
