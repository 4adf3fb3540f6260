// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs a CoAP server over UDP with the demo resources,
// Prometheus metrics and health checks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/mcoap"
	"github.com/absmach/mcoap/examples/simple"
	"github.com/absmach/mcoap/pkg/endpoint"
	"github.com/absmach/mcoap/pkg/health"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/transport/udp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix     = "MCOAP_"
	clockInterval = 5 * time.Second
	slowDelay     = 3 * time.Second
	maxExchanges  = 10000
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	cfg, err := mcoap.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stdout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("mcoap", reg)

	resources := simple.New(logger, nil, slowDelay)

	tr := udp.New(cfg.Transport(logger, m))
	ecfg := cfg.Endpoint(logger, m)
	ecfg.Handler = resources.Mux()
	ep, err := endpoint.New(tr, ecfg)
	if err != nil {
		logger.Error("failed to create endpoint", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(health.DefaultCacheTTL, nil)
	checker.Register("udp", true, health.Ready(tr.Ready()))
	checker.Register("exchanges", false, health.Below("open exchanges", ep.OpenExchanges, maxExchanges))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tr.Listen(ctx, ep)
	})
	g.Go(func() error {
		return resources.RunClock(ctx, ep, clockInterval)
	})
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Handler(), cfg.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	logger.Info("mcoap started",
		slog.String("address", cfg.Address()),
		slog.Int("metrics_port", cfg.MetricsPort),
		slog.Int("health_port", cfg.HealthPort))

	err = g.Wait()
	ep.Close()
	if err != nil {
		logger.Error(fmt.Sprintf("mcoap terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("mcoap stopped")
}

// serveHTTP runs an HTTP server until ctx is done, then gives in-flight
// requests up to shutdownTimeout to finish.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
