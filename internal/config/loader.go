package config

import (
	"fmt"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/llm-d-incubation/fleet-slo-controller/api/v1alpha1"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
)

// flagBindings maps viper keys (= env var names) to pflag names.
var flagBindings = map[string]string{
	"METRICS_BIND_ADDRESS": "metrics-bind-address",
	"LOG_LEVEL":            "log-level",
	"LOG_DEVELOPMENT":      "log-development",
	"RUN_DURATION":         "duration",

	"QUEUE_CAPACITY":          "queue-capacity",
	"QUEUE_ELEVATED_DEPTH":    "queue-elevated-depth",
	"QUEUE_CRITICAL_DEPTH":    "queue-critical-depth",
	"QUEUE_OVERLOAD_DEPTH":    "queue-overload-depth",
	"QUEUE_ELEVATED_WAIT":     "queue-elevated-wait",
	"QUEUE_CRITICAL_WAIT":     "queue-critical-wait",
	"QUEUE_OVERLOAD_WAIT":     "queue-overload-wait",
	"QUEUE_THROTTLE_DELAY":    "queue-throttle-delay",
	"QUEUE_EFFICIENCY_WINDOW": "queue-efficiency-window",
	"QUEUE_SHED_MIN_GAP":      "queue-shed-min-gap",

	"ENGINE_TICK_INTERVAL":          "tick-interval",
	"ENGINE_TOLERANCE":              "tolerance",
	"ENGINE_COST_OVERRUN_THRESHOLD": "cost-overrun-threshold",
	"ENGINE_SCORE_SMOOTHING":        "score-smoothing",
	"ENGINE_SCALE_UP_COOLDOWN":      "scale-up-cooldown",
	"ENGINE_SCALE_DOWN_COOLDOWN":    "scale-down-cooldown",
	"ENGINE_READ_TIMEOUT":           "read-timeout",
	"ENGINE_HISTORY_SIZE":           "decision-history-size",

	"SLO_TTFT_P95_MS":            "slo-ttft-p95-ms",
	"SLO_MAX_ERROR_RATE_PERCENT": "slo-max-error-rate-percent",
	"SLO_MIN_TOKENS_PER_SECOND":  "slo-min-tokens-per-second",
	"SLO_COST_PER_MILLION":       "slo-cost-per-million-tokens",

	"FLEET_TECHNOLOGY":       "technology",
	"FLEET_INITIAL_REPLICAS": "initial-replicas",
	"FLEET_MIN_REPLICAS":     "min-replicas",
	"FLEET_MAX_REPLICAS":     "max-replicas",
	"FLEET_SCALE_STEP":       "scale-step",

	"WORKLOAD_ARRIVAL_RATE": "arrival-rate",
	"WORKLOAD_MEAN_TOKENS":  "mean-tokens",
	"WORKLOAD_TOKEN_SIGMA":  "token-sigma",
	"WORKLOAD_PRIORITY_MIX": "priority-mix",
	"WORKLOAD_MODEL_ID":     "model-id",
	"WORKLOAD_SEED":         "seed",

	"SERVING_POLL_INTERVAL":      "serving-poll-interval",
	"SERVING_BASE_TTFT":          "base-ttft",
	"SERVING_OBSERVATION_WINDOW": "observation-window",
	"SERVING_REQUEST_TIMEOUT":    "request-timeout",

	"PROMETHEUS_ADDRESS":       "prometheus-address",
	"PROMETHEUS_QUERY_TIMEOUT": "prometheus-query-timeout",
	"PROMETHEUS_CACHE_TTL":     "prometheus-cache-ttl",
	"PROMETHEUS_NAMESPACE":     "prometheus-namespace",
	"PROMETHEUS_RATE_WINDOW":   "prometheus-rate-window",
}

// RegisterFlags declares every configuration flag on fs with its default.
func RegisterFlags(fs *flag.FlagSet) {
	d := Default()

	fs.String("metrics-bind-address", d.MetricsBindAddress, "The address the metrics endpoint binds to. Use 0 to disable.")
	fs.String("log-level", d.LogLevel, "Log level (debug, info, warn, error).")
	fs.Bool("log-development", d.Development, "Use the human readable development log encoder.")
	fs.Duration("duration", d.RunDuration, "Stop the simulation after this long and print the run report. 0 runs until signalled.")

	fs.Int("queue-capacity", d.Queue.Capacity, "Hard queue depth limit. 0 means unlimited.")
	fs.Int("queue-elevated-depth", d.Queue.ElevatedDepth, "Depth at which the queue becomes ELEVATED.")
	fs.Int("queue-critical-depth", d.Queue.CriticalDepth, "Depth at which the queue becomes CRITICAL.")
	fs.Int("queue-overload-depth", d.Queue.OverloadDepth, "Depth at which the queue becomes OVERLOAD.")
	fs.Duration("queue-elevated-wait", d.Queue.ElevatedWait, "Oldest-request age at which the queue becomes ELEVATED.")
	fs.Duration("queue-critical-wait", d.Queue.CriticalWait, "Oldest-request age at which the queue becomes CRITICAL.")
	fs.Duration("queue-overload-wait", d.Queue.OverloadWait, "Oldest-request age at which the queue becomes OVERLOAD.")
	fs.Duration("queue-throttle-delay", d.Queue.ThrottleDelay, "Back-off recorded on THROTTLE admissions.")
	fs.Duration("queue-efficiency-window", d.Queue.EfficiencyWindow, "Trailing window of the queue efficiency score.")
	fs.Int("queue-shed-min-gap", d.Queue.ShedMinGap, "Priority levels an arrival must outrank a queued request by to shed it. 0 disables shedding.")

	fs.Duration("tick-interval", d.Engine.TickInterval, "Convergence tick interval.")
	fs.Float64("tolerance", d.Engine.Tolerance, "Relative deviation band treated as on target.")
	fs.Float64("cost-overrun-threshold", d.Engine.CostOverrunThreshold, "Relative cost deviation that triggers a scale-down.")
	fs.Float64("score-smoothing", d.Engine.ScoreSmoothing, "EWMA weight of the newest convergence score sample.")
	fs.Duration("scale-up-cooldown", d.Engine.ScaleUpCooldown, "Minimum time between two scale-up decisions.")
	fs.Duration("scale-down-cooldown", d.Engine.ScaleDownCooldown, "Minimum time between two scale-down decisions.")
	fs.Duration("read-timeout", d.Engine.ReadTimeout, "Bound on each collaborator read during a tick.")
	fs.Int("decision-history-size", d.Engine.HistorySize, "Number of scaling decisions kept for inspection.")

	fs.Float64("slo-ttft-p95-ms", d.Targets.TTFTP95Milliseconds, "Target p95 time to first token, in milliseconds.")
	fs.Float64("slo-max-error-rate-percent", d.Targets.MaxErrorRatePercent, "Maximum tolerated error rate, in percent.")
	fs.Float64("slo-min-tokens-per-second", d.Targets.MinTokensPerSecond, "Minimum fleet throughput, in tokens per second.")
	fs.Float64("slo-cost-per-million-tokens", d.Targets.CostPerMillionTokens, "Target cost per million tokens, in USD.")

	fs.String("technology", d.Fleet.Technology, "Accelerator type of the fleet.")
	fs.Int("initial-replicas", d.Fleet.InitialReplicas, "Replica count at start.")
	fs.Int("min-replicas", d.Fleet.MinReplicas, "Lower replica bound.")
	fs.Int("max-replicas", d.Fleet.MaxReplicas, "Upper replica bound.")
	fs.Int("scale-step", d.Fleet.ScaleStep, "Replicas added or removed per scaling decision.")

	fs.Float64("arrival-rate", d.Workload.ArrivalRate, "Mean synthetic arrivals per second.")
	fs.Float64("mean-tokens", d.Workload.MeanTokens, "Mean tokens per synthetic request.")
	fs.Float64("token-sigma", d.Workload.TokenSigma, "Log-normal sigma of tokens per request.")
	fs.String("priority-mix", FormatPriorityMix(d.Workload.PriorityMix), "Relative arrival weight per priority.")
	fs.String("model-id", d.Workload.ModelID, "Model id stamped on synthetic requests.")
	fs.Uint64("seed", d.Workload.Seed, "Seed of the synthetic workload.")

	fs.Duration("serving-poll-interval", d.Serving.PollInterval, "Serving loop poll interval.")
	fs.Duration("base-ttft", d.Serving.BaseTTFT, "Time to first token of an idle replica.")
	fs.Duration("observation-window", d.Serving.ObservationWindow, "Trailing window of in-process service observations.")
	fs.Duration("request-timeout", d.Serving.RequestTimeout, "Queue wait after which a served request counts as failed.")

	fs.String("prometheus-address", d.Prometheus.Address, "Prometheus URL to observe a real fleet. Empty uses the in-process observer.")
	fs.Duration("prometheus-query-timeout", d.Prometheus.QueryTimeout, "Timeout of one Prometheus query.")
	fs.Duration("prometheus-cache-ttl", d.Prometheus.CacheTTL, "How long a good Prometheus observation is reused when queries fail.")
	fs.String("prometheus-namespace", d.Prometheus.Namespace, "Namespace of the served model. Queries fall back to all namespaces when it has no samples.")
	fs.Duration("prometheus-rate-window", d.Prometheus.RateWindow, "Range of the rate() and histogram_quantile() queries.")
}

// Load resolves the configuration and validates it.
// Precedence: flags > env > defaults. Configuration files are not read.
// flagSet may be nil (e.g. in tests that don't set CLI flags).
func Load(flagSet *flag.FlagSet) (*Config, error) {
	cfg, err := loadConfig(flagSet)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	logger.Log.Debugw("Configuration loaded", "technology", cfg.Fleet.Technology, "tickInterval", cfg.Engine.TickInterval)
	return cfg, nil
}

func loadConfig(flagSet *flag.FlagSet) (*Config, error) {
	d := Default()
	v := viper.New()

	v.SetDefault("METRICS_BIND_ADDRESS", d.MetricsBindAddress)
	v.SetDefault("LOG_LEVEL", d.LogLevel)
	v.SetDefault("LOG_DEVELOPMENT", d.Development)
	v.SetDefault("RUN_DURATION", d.RunDuration)

	v.SetDefault("QUEUE_CAPACITY", d.Queue.Capacity)
	v.SetDefault("QUEUE_ELEVATED_DEPTH", d.Queue.ElevatedDepth)
	v.SetDefault("QUEUE_CRITICAL_DEPTH", d.Queue.CriticalDepth)
	v.SetDefault("QUEUE_OVERLOAD_DEPTH", d.Queue.OverloadDepth)
	v.SetDefault("QUEUE_ELEVATED_WAIT", d.Queue.ElevatedWait)
	v.SetDefault("QUEUE_CRITICAL_WAIT", d.Queue.CriticalWait)
	v.SetDefault("QUEUE_OVERLOAD_WAIT", d.Queue.OverloadWait)
	v.SetDefault("QUEUE_THROTTLE_DELAY", d.Queue.ThrottleDelay)
	v.SetDefault("QUEUE_EFFICIENCY_WINDOW", d.Queue.EfficiencyWindow)
	v.SetDefault("QUEUE_SHED_MIN_GAP", d.Queue.ShedMinGap)

	v.SetDefault("ENGINE_TICK_INTERVAL", d.Engine.TickInterval)
	v.SetDefault("ENGINE_TOLERANCE", d.Engine.Tolerance)
	v.SetDefault("ENGINE_COST_OVERRUN_THRESHOLD", d.Engine.CostOverrunThreshold)
	v.SetDefault("ENGINE_SCORE_SMOOTHING", d.Engine.ScoreSmoothing)
	v.SetDefault("ENGINE_SCALE_UP_COOLDOWN", d.Engine.ScaleUpCooldown)
	v.SetDefault("ENGINE_SCALE_DOWN_COOLDOWN", d.Engine.ScaleDownCooldown)
	v.SetDefault("ENGINE_READ_TIMEOUT", d.Engine.ReadTimeout)
	v.SetDefault("ENGINE_HISTORY_SIZE", d.Engine.HistorySize)

	v.SetDefault("SLO_TTFT_P95_MS", d.Targets.TTFTP95Milliseconds)
	v.SetDefault("SLO_MAX_ERROR_RATE_PERCENT", d.Targets.MaxErrorRatePercent)
	v.SetDefault("SLO_MIN_TOKENS_PER_SECOND", d.Targets.MinTokensPerSecond)
	v.SetDefault("SLO_COST_PER_MILLION", d.Targets.CostPerMillionTokens)

	v.SetDefault("FLEET_TECHNOLOGY", d.Fleet.Technology)
	v.SetDefault("FLEET_INITIAL_REPLICAS", d.Fleet.InitialReplicas)
	v.SetDefault("FLEET_MIN_REPLICAS", d.Fleet.MinReplicas)
	v.SetDefault("FLEET_MAX_REPLICAS", d.Fleet.MaxReplicas)
	v.SetDefault("FLEET_SCALE_STEP", d.Fleet.ScaleStep)

	v.SetDefault("WORKLOAD_ARRIVAL_RATE", d.Workload.ArrivalRate)
	v.SetDefault("WORKLOAD_MEAN_TOKENS", d.Workload.MeanTokens)
	v.SetDefault("WORKLOAD_TOKEN_SIGMA", d.Workload.TokenSigma)
	v.SetDefault("WORKLOAD_PRIORITY_MIX", FormatPriorityMix(d.Workload.PriorityMix))
	v.SetDefault("WORKLOAD_MODEL_ID", d.Workload.ModelID)
	v.SetDefault("WORKLOAD_SEED", d.Workload.Seed)

	v.SetDefault("SERVING_POLL_INTERVAL", d.Serving.PollInterval)
	v.SetDefault("SERVING_BASE_TTFT", d.Serving.BaseTTFT)
	v.SetDefault("SERVING_OBSERVATION_WINDOW", d.Serving.ObservationWindow)
	v.SetDefault("SERVING_REQUEST_TIMEOUT", d.Serving.RequestTimeout)

	v.SetDefault("PROMETHEUS_ADDRESS", d.Prometheus.Address)
	v.SetDefault("PROMETHEUS_QUERY_TIMEOUT", d.Prometheus.QueryTimeout)
	v.SetDefault("PROMETHEUS_CACHE_TTL", d.Prometheus.CacheTTL)
	v.SetDefault("PROMETHEUS_NAMESPACE", d.Prometheus.Namespace)
	v.SetDefault("PROMETHEUS_RATE_WINDOW", d.Prometheus.RateWindow)

	v.AutomaticEnv()

	// Bind pflag flags (highest precedence for explicitly-set flags)
	if flagSet != nil {
		for viperKey, flagName := range flagBindings {
			if f := flagSet.Lookup(flagName); f != nil {
				_ = v.BindPFlag(viperKey, f)
			}
		}
	}

	mix, err := ParsePriorityMix(v.GetString("WORKLOAD_PRIORITY_MIX"))
	if err != nil {
		return nil, err
	}

	return &Config{
		MetricsBindAddress: v.GetString("METRICS_BIND_ADDRESS"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		Development:        v.GetBool("LOG_DEVELOPMENT"),
		RunDuration:        v.GetDuration("RUN_DURATION"),
		Queue: QueueConfig{
			Capacity:         v.GetInt("QUEUE_CAPACITY"),
			ElevatedDepth:    v.GetInt("QUEUE_ELEVATED_DEPTH"),
			CriticalDepth:    v.GetInt("QUEUE_CRITICAL_DEPTH"),
			OverloadDepth:    v.GetInt("QUEUE_OVERLOAD_DEPTH"),
			ElevatedWait:     v.GetDuration("QUEUE_ELEVATED_WAIT"),
			CriticalWait:     v.GetDuration("QUEUE_CRITICAL_WAIT"),
			OverloadWait:     v.GetDuration("QUEUE_OVERLOAD_WAIT"),
			ThrottleDelay:    v.GetDuration("QUEUE_THROTTLE_DELAY"),
			EfficiencyWindow: v.GetDuration("QUEUE_EFFICIENCY_WINDOW"),
			ShedMinGap:       v.GetInt("QUEUE_SHED_MIN_GAP"),
		},
		Engine: EngineConfig{
			TickInterval:         v.GetDuration("ENGINE_TICK_INTERVAL"),
			Tolerance:            v.GetFloat64("ENGINE_TOLERANCE"),
			CostOverrunThreshold: v.GetFloat64("ENGINE_COST_OVERRUN_THRESHOLD"),
			ScoreSmoothing:       v.GetFloat64("ENGINE_SCORE_SMOOTHING"),
			ScaleUpCooldown:      v.GetDuration("ENGINE_SCALE_UP_COOLDOWN"),
			ScaleDownCooldown:    v.GetDuration("ENGINE_SCALE_DOWN_COOLDOWN"),
			ReadTimeout:          v.GetDuration("ENGINE_READ_TIMEOUT"),
			HistorySize:          v.GetInt("ENGINE_HISTORY_SIZE"),
		},
		Targets: targetsFrom(v),
		Fleet: FleetConfig{
			Technology:      v.GetString("FLEET_TECHNOLOGY"),
			InitialReplicas: v.GetInt("FLEET_INITIAL_REPLICAS"),
			MinReplicas:     v.GetInt("FLEET_MIN_REPLICAS"),
			MaxReplicas:     v.GetInt("FLEET_MAX_REPLICAS"),
			ScaleStep:       v.GetInt("FLEET_SCALE_STEP"),
		},
		Workload: WorkloadConfig{
			ArrivalRate: v.GetFloat64("WORKLOAD_ARRIVAL_RATE"),
			MeanTokens:  v.GetFloat64("WORKLOAD_MEAN_TOKENS"),
			TokenSigma:  v.GetFloat64("WORKLOAD_TOKEN_SIGMA"),
			PriorityMix: mix,
			ModelID:     v.GetString("WORKLOAD_MODEL_ID"),
			Seed:        v.GetUint64("WORKLOAD_SEED"),
		},
		Serving: ServingConfig{
			PollInterval:      v.GetDuration("SERVING_POLL_INTERVAL"),
			BaseTTFT:          v.GetDuration("SERVING_BASE_TTFT"),
			ObservationWindow: v.GetDuration("SERVING_OBSERVATION_WINDOW"),
			RequestTimeout:    v.GetDuration("SERVING_REQUEST_TIMEOUT"),
		},
		Prometheus: PrometheusConfig{
			Address:      v.GetString("PROMETHEUS_ADDRESS"),
			QueryTimeout: v.GetDuration("PROMETHEUS_QUERY_TIMEOUT"),
			CacheTTL:     v.GetDuration("PROMETHEUS_CACHE_TTL"),
			Namespace:    v.GetString("PROMETHEUS_NAMESPACE"),
			RateWindow:   v.GetDuration("PROMETHEUS_RATE_WINDOW"),
		},
	}, nil
}

func targetsFrom(v *viper.Viper) v1alpha1.SLOTargets {
	return v1alpha1.SLOTargets{
		TTFTP95Milliseconds:  v.GetFloat64("SLO_TTFT_P95_MS"),
		MaxErrorRatePercent:  v.GetFloat64("SLO_MAX_ERROR_RATE_PERCENT"),
		MinTokensPerSecond:   v.GetFloat64("SLO_MIN_TOKENS_PER_SECOND"),
		CostPerMillionTokens: v.GetFloat64("SLO_COST_PER_MILLION"),
	}
}
