// process-agent serves the jobs of a usercode to a scheduler over HTTP and
// runs the agent loop applying the scheduler's updates.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"processagent/internal/agent"
	"processagent/internal/api"
	"processagent/internal/apperrors"
	"processagent/internal/client"
	"processagent/internal/config"
	"processagent/internal/dispatcher"
	"processagent/internal/governor"
	"processagent/internal/health"
	"processagent/internal/observability"
	"processagent/internal/registry"
	"processagent/internal/usercode"
	"syscall"
	"time"
)

type flags struct {
	configPath       string
	jobsFile         string
	host             string
	port             string
	metricsPort      string
	keepAlive        bool
	disableAutoRerun bool
	verbose          bool
	driver           string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "JSON or YAML config file")
	flag.StringVar(&f.jobsFile, "jobs", "", "JSON or YAML file listing the job specs to run")
	flag.StringVar(&f.host, "host", "", "API listen host")
	flag.StringVar(&f.port, "port", "", "API listen port")
	flag.StringVar(&f.metricsPort, "metrics-port", "", "metrics listen port")
	flag.BoolVar(&f.keepAlive, "keep-alive", false, "keep serving the API after the agent is done")
	flag.BoolVar(&f.disableAutoRerun, "disable-auto-rerun", false, "do not rerun interrupted jobs")
	flag.BoolVar(&f.verbose, "verbose", false, "debug logging")
	flag.StringVar(&f.driver, "driver", "", "scheduler driver: ork (serve only) or docker (in-process governor)")
	flag.Parse()
	return f
}

// apply overlays the flags set on the command line.
func (f flags) apply(cfg *config.Config) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "jobs":
			cfg.Agent.JobsFile = f.jobsFile
		case "host":
			cfg.Server.Host = f.host
		case "port":
			cfg.Server.Port = f.port
		case "metrics-port":
			cfg.Server.MetricsPort = f.metricsPort
		case "keep-alive":
			cfg.Server.KeepAlive = f.keepAlive
		case "disable-auto-rerun":
			cfg.Agent.AutoRerun = !f.disableAutoRerun
		case "verbose":
			cfg.Debug = f.verbose
		case "driver":
			cfg.Server.Driver = f.driver
		}
	})
}

func main() {
	f := parseFlags()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(2)
	}
	f.apply(cfg)

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("Process agent failed", "error", err)
		var ue *agent.UsercodeError
		switch {
		case errors.As(err, &ue):
			os.Exit(3)
		case errors.Is(err, apperrors.ErrValidation):
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	if cfg.Server.Driver != config.DriverOrk && cfg.Server.Driver != config.DriverDocker {
		return apperrors.Validationf("driver", "unknown driver %q (want %s or %s)", cfg.Server.Driver, config.DriverOrk, config.DriverDocker)
	}
	if cfg.Agent.JobsFile == "" {
		return apperrors.Validation("jobs", "no jobs file: set -jobs or PA_JOBS_FILE")
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create the agent and its usercode
	a := agent.New(agent.Config{
		ID:          cfg.Agent.ID,
		User:        cfg.Agent.User,
		NamePrefix:  cfg.Agent.JobNamePrefix,
		AutoRerun:   cfg.Agent.AutoRerun,
		MaxRunning:  cfg.Agent.MaxRunning,
		SubmitBatch: cfg.Agent.SubmitBatch,
	}, metrics)

	static, err := usercode.LoadStatic(cfg.Agent.JobsFile, cfg.Agent.MaxRetries)
	if err != nil {
		return err
	}

	eventDispatcher := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)

	var notifier *usercode.Notifier
	if cfg.Webhook.URL != "" {
		notifier = usercode.NewNotifier(eventDispatcher, a.ID(), usercode.NotifierConfig{
			URL:    cfg.Webhook.URL,
			Key:    cfg.Webhook.Key,
			Events: config.GetListEnv("PA_WEBHOOK_EVENTS"),
		})
		slog.Info("Webhook notifications enabled", "url", cfg.Webhook.URL, "signed", cfg.Webhook.Key != "")
	}

	var archiver *usercode.Archiver
	if archiveCfg := usercode.LoadArchiveConfigFromEnv(); archiveCfg.Enabled() {
		objects, err := usercode.NewMinioClient(archiveCfg)
		if err != nil {
			return err
		}
		archiver = usercode.NewArchiver(objects, a.ID(), archiveCfg)
		if err := archiver.EnsureBucket(ctx); err != nil {
			return err
		}
		slog.Info("Job report archiving enabled", "endpoint", archiveCfg.Endpoint, "bucket", archiveCfg.Bucket)
	}

	usercode.Install(a, static, notifier, archiver)

	reg := registry.New()
	if err := reg.Add(a); err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(reg)

	var dockerRuntime *governor.DockerRuntime
	if cfg.Server.Driver == config.DriverDocker {
		dockerRuntime, err = governor.NewDockerRuntime(governor.LoadDockerConfigFromEnv())
		if err != nil {
			return err
		}
		defer dockerRuntime.Close()
		healthChecker.AddOptional("docker", dockerRuntime)
		slog.Info("Connected to Docker daemon")
	}

	// Create API router
	router, err := api.NewRouter(api.RouterConfig{
		Registry:      reg,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
		APIKey:        cfg.Server.APIKey,
		UpdateTimeout: cfg.Server.UpdateTimeout,
	})
	if err != nil {
		return err
	}

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Server.UpdateTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Announce agents to etcd
	announceCtx, stopAnnouncing := context.WithCancel(ctx)
	defer stopAnnouncing()
	if announcerCfg := registry.LoadAnnouncerConfigFromEnv(); announcerCfg.Enabled() {
		etcd, err := registry.NewEtcdClient(announcerCfg)
		if err != nil {
			return err
		}
		defer etcd.Close()
		announcer := registry.NewAnnouncer(etcd, reg, announcerCfg)
		go func() {
			if err := announcer.Run(announceCtx); err != nil {
				slog.Warn("Announcer stopped", "error", err)
			}
		}()
	}

	// Run the agent loop
	agentDone := make(chan error, 1)
	go func() {
		agentDone <- a.Run(ctx)
	}()

	// Run the in-process governor
	governorCtx, stopGovernor := context.WithCancel(ctx)
	defer stopGovernor()
	governorDone := make(chan struct{})
	if dockerRuntime != nil {
		clientCfg := client.LoadConfigFromEnv()
		clientCfg.BaseURL = "http://" + net.JoinHostPort(loopback(cfg.Server.Host), cfg.Server.Port)
		clientCfg.APIKey = cfg.Server.APIKey
		gov := governor.New(governor.LoadConfigFromEnv(), client.New(clientCfg), dockerRuntime, metrics)
		go func() {
			defer close(governorDone)
			if err := gov.Run(governorCtx); err != nil {
				slog.Error("Governor failed", "error", err)
			}
		}()
	} else {
		close(governorDone)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var agentErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
		agentErr = terminate(reg, agentDone)
	case agentErr = <-agentDone:
		slog.Info("Agent loop exited", "error", agentErr)
		waitGovernor(governorDone, 30*time.Second)
		if cfg.Server.KeepAlive && agentErr == nil {
			slog.Info("Keeping the API alive until signalled")
			select {
			case sig := <-quit:
				slog.Info("Received shutdown signal", "signal", sig)
			case err := <-serverErr:
				slog.Error("Server failed", "error", err)
			}
		}
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		terminate(reg, agentDone)
		agentErr = err
	}

	// Phase 1: stop the governor; it stops the containers it still runs
	stopGovernor()
	<-governorDone

	// Phase 2: mark the service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()
	if cfg.Server.ShutdownDrainWait > 0 && cfg.Server.KeepAlive {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// Phase 3: graceful server shutdown
	slog.Info("Starting graceful shutdown")
	stopAnnouncing()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("API server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	// Phase 4: drain webhook dispatcher
	slog.Info("Draining webhook dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete", "counts", a.Store().Counts())
	return agentErr
}

// terminate asks every agent to stop and waits for the loop to exit.
func terminate(reg *registry.Registry, agentDone <-chan error) error {
	reg.TerminateAll()
	select {
	case err := <-agentDone:
		return err
	case <-time.After(30 * time.Second):
		slog.Warn("Agent loop did not stop in time")
		return nil
	}
}

func waitGovernor(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Governor did not finish in time")
	}
}

func loopback(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}
