// docker-governor drives a process agent through its HTTP API and runs the
// jobs it hands out as containers on the local Docker daemon.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"processagent/internal/client"
	"processagent/internal/config"
	"processagent/internal/governor"
	"processagent/internal/observability"
	"syscall"
	"time"
)

func main() {
	level := slog.LevelInfo
	if config.GetBoolEnv("PA_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("Governor failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	clientCfg := client.LoadConfigFromEnv()
	govCfg := governor.LoadConfigFromEnv()
	metricsPort := config.GetEnv("PA_GOVERNOR_METRICS_PORT", "9091")

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	runtime, err := governor.NewDockerRuntime(governor.LoadDockerConfigFromEnv())
	if err != nil {
		return err
	}
	defer runtime.Close()

	if err := runtime.Ready(ctx); err != nil {
		return err
	}
	slog.Info("Connected to Docker daemon")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "port", metricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}()

	slog.Info("Driving process agent", "url", clientCfg.BaseURL)
	gov := governor.New(govCfg, client.New(clientCfg), runtime, metrics)
	return gov.Run(ctx)
}
