package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/agent"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/backend"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/backend/amd"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/backend/nvidia"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/cloud"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/config"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/driver"
	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/health"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/manager"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/monitor"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/transport"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// publisherFunc adapts a function to the driver watcher's Publisher.
type publisherFunc func(model.GPUEvent) error

func (f publisherFunc) Publish(ev model.GPUEvent) error { return f(ev) }

func main() {
	// 1. Load and validate config.
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var profile *config.Profile
	if cfg.ProfileFile != "" {
		p, err := config.LoadProfile(cfg.ProfileFile, cfg.AlertConfig())
		if err != nil {
			slog.Error("invalid profile file", "path", cfg.ProfileFile, "error", err)
			os.Exit(1)
		}
		profile = p
	}

	// 2. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("kubeadapt-gpu-agent starting",
		"version", cfg.AgentVersion,
		"node_id", cfg.NodeID,
		"node_name", cfg.NodeName,
		"poll_interval", cfg.PollInterval,
		"report_url", cfg.ReportURL,
	)

	// 3. Create shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := agenterrors.NewErrorCollector(agenterrors.RealClock{})
	sm := agent.NewStateMachine(nil)

	// 4. Manager and driver watcher. The watcher lists devices and publishes
	// through the manager, which is assigned before either is used.
	var mgr *manager.Manager
	watcher := driver.NewWatcher(driver.Options{
		SysfsRoot: cfg.SysfsRoot,
		Devices:   func() []model.GPUStatus { return mgr.CachedGPUs() },
		Publisher: publisherFunc(func(ev model.GPUEvent) error { return mgr.Events().Publish(ev) }),
	})
	mgr = manager.New(manager.Options{
		EventBuffer: cfg.EventBuffer,
		Drivers:     watcher,
	})

	// 5. Register vendor backends.
	var backends []backend.Backend
	if cfg.NVIDIAEnabled {
		backends = append(backends, nvidia.New(nvidia.NewLibrary()))
	}
	if cfg.AMDEnabled {
		backends = append(backends, amd.New(amd.Options{
			SysfsRoot:     cfg.SysfsRoot,
			IOConcurrency: cfg.IOConcurrency,
			IOTimeout:     cfg.IOTimeout,
		}))
	}
	if vendors := mgr.Register(ctx, backends...); len(vendors) == 0 {
		slog.Warn("no GPU backends available, serving health endpoints only")
	}
	if cfg.MonitoringEnabled {
		mgr.StartMonitoring()
	}

	// 6. Monitor, transport and agent.
	mon := monitor.New(monitor.Options{
		Capacity:  cfg.HistoryCapacity,
		Alerts:    cfg.AlertConfig(),
		Publisher: mgr.Events(),
	})

	var reporter agent.Reporter
	if cfg.ReportingEnabled() {
		reporter = transport.NewClient(&cfg, metrics, errCollector)
	}

	ag := agent.NewAgent(&cfg, mgr, mon, reporter, sm, errCollector, metrics)
	ag.SetProfile(profile)
	if cfg.CloudMetadata {
		if info, ok := cloud.Detect(ctx, cloud.DefaultEndpoints(), cfg.CloudMetadataTimeout); ok {
			slog.Info("cloud instance detected",
				"provider", info.Provider,
				"region", info.Region,
				"instance_type", info.InstanceType,
			)
			ag.SetCloudInfo(&info)
		} else {
			slog.Info("no cloud metadata service found")
		}
	}

	// 7. Start health server.
	healthSrv := health.NewServer(cfg.HealthPort, metrics, ag, ag, mon, errCollector, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	// 8. Background watchers.
	watcher.Start(ctx, cfg.DriverCheckInterval)
	memMon := agent.NewMemoryPressureMonitor(cfg.MemoryPressureThreshold, ag.RelieveMemoryPressure, 30*time.Second, nil)
	memMon.Start(ctx)

	// 9. Run agent (blocks until context is canceled).
	if err := ag.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "error", err)
	}

	// 10. Graceful shutdown.
	memMon.Stop()
	watcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	mgr.Shutdown(shutdownCtx)

	slog.Info("kubeadapt-gpu-agent stopped")
}
