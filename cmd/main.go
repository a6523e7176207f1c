/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	ctrl "sigs.k8s.io/controller-runtime"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/llm-d-incubation/fleet-slo-controller/internal/collector"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/config"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/controller"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/logger"
	"github.com/llm-d-incubation/fleet-slo-controller/internal/metrics"
)

func main() {
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	// Viper resolves precedence: flags > env > defaults
	cfg, err := config.Load(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.InitLogger(cfg.Development, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() // nolint:errcheck

	emitter, err := metrics.InitMetricsAndEmitter(crmetrics.Registry)
	if err != nil {
		log.Errorw("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()
	if cfg.RunDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunDuration)
		defer cancel()
	}

	opts := []controller.Option{controller.WithMetricsEmitter(emitter)}
	if cfg.Prometheus.Address != "" {
		promAPI, err := collector.NewPrometheusAPI(cfg.Prometheus.Address)
		if err != nil {
			log.Errorw("Failed to create Prometheus client", "address", cfg.Prometheus.Address, "error", err)
			os.Exit(1)
		}
		opts = append(opts, controller.WithMetricsSource(collector.NewPrometheusSource(promAPI, collector.PrometheusSourceConfig{
			ModelID:      cfg.Workload.ModelID,
			Namespace:    cfg.Prometheus.Namespace,
			RateWindow:   cfg.Prometheus.RateWindow,
			QueryTimeout: cfg.Prometheus.QueryTimeout,
			CacheTTL:     cfg.Prometheus.CacheTTL,
		}, nil)))
		log.Infow("Observing service metrics from Prometheus",
			"address", cfg.Prometheus.Address, "namespace", cfg.Prometheus.Namespace)
	}

	fc, err := controller.NewFleetController(*cfg, opts...)
	if err != nil {
		log.Errorw("Failed to set up fleet controller", "error", err)
		os.Exit(1)
	}

	srv := startMetricsServer(cfg.MetricsBindAddress)

	fc.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Metrics server shutdown", "error", err)
		}
	}

	if err := controller.WriteReport(os.Stdout, fc.Report()); err != nil {
		log.Errorw("Failed to write run report", "error", err)
		os.Exit(1)
	}
}

// startMetricsServer serves the controller-runtime registry on addr. "0"
// disables it.
func startMetricsServer(addr string) *http.Server {
	if addr == "" || addr == "0" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Log.Infow("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Errorw("Metrics server failed", "error", err)
		}
	}()
	return srv
}
