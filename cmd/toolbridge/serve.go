package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/config"
)

// metricsShutdownTimeout bounds the graceful stop of the metrics listener.
const metricsShutdownTimeout = 5 * time.Second

// runServe starts every enabled server, monitors their health, and
// blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	bi := buildinfo.Info()
	logger.Info("starting toolbridge", "version", bi.Version, "commit", bi.GitCommit, "built", bi.BuildTime)

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	logger = a.logger

	started, err := a.manager.LoadFromDB(ctx)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("load servers: %w", err)
	}
	logger.Info("toolbridge ready", "servers_started", started, "tools", countTools(a))

	var wg sync.WaitGroup

	var metricsSrv *http.Server
	if addr := a.cfg.Metrics.Listen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = a.Close()
			return fmt.Errorf("metrics listener %s: %w", addr, err)
		}
		metricsSrv = newMetricsServer()
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
			if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if interval := a.cfg.HealthInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.manager.Monitor(ctx, interval)
		}()
	} else {
		logger.Info("health monitor disabled")
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
		shutdownCancel()
	}
	wg.Wait()

	if err := a.Close(); err != nil {
		logger.Warn("errors during shutdown", "error", err)
	}
	logger.Info("toolbridge stopped")
	return nil
}

// newMetricsServer serves the default Prometheus registry on /metrics.
func newMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func countTools(a *app) int {
	n := 0
	for _, tools := range a.manager.ListAllTools() {
		n += len(tools)
	}
	return n
}
