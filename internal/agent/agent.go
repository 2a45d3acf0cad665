package agent

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/config"
	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/events"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/manager"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/monitor"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/transport"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

const component = "agent"

// reportLookbackMinutes is the history window analyzed for each report.
const reportLookbackMinutes = 60

// Reporter pushes a fleet report. *transport.Client implements it.
type Reporter interface {
	Send(ctx context.Context, report *model.FleetReport) (*model.ReportResponse, error)
}

// Agent is the main orchestrator: it polls the manager, feeds the monitor,
// exports metrics and optionally pushes fleet reports.
type Agent struct {
	config         *config.Config
	manager        *manager.Manager
	monitor        *monitor.Monitor
	reporter       Reporter
	profile        *config.Profile
	cloud          *model.CloudInfo
	stateMachine   *StateMachine
	errorCollector *agenterrors.ErrorCollector
	metrics        *observability.Metrics

	latest atomic.Pointer[[]model.GPUStatus]
	ready  atomic.Bool
}

// NewAgent creates an Agent. A nil reporter disables report pushes.
func NewAgent(
	cfg *config.Config,
	mgr *manager.Manager,
	mon *monitor.Monitor,
	reporter Reporter,
	stateMachine *StateMachine,
	errCollector *agenterrors.ErrorCollector,
	metrics *observability.Metrics,
) *Agent {
	return &Agent{
		config:         cfg,
		manager:        mgr,
		monitor:        mon,
		reporter:       reporter,
		stateMachine:   stateMachine,
		errorCollector: errCollector,
		metrics:        metrics,
	}
}

// SetProfile sets the profile applied after the first detection. It must be
// called before Run.
func (a *Agent) SetProfile(p *config.Profile) {
	a.profile = p
}

// SetCloudInfo attaches the detected cloud instance to every report. It must
// be called before Run.
func (a *Agent) SetCloudInfo(info *model.CloudInfo) {
	a.cloud = info
}

// IsReady reports whether initial detection has completed. Implements
// health.ReadinessChecker.
func (a *Agent) IsReady() bool {
	return a.ready.Load()
}

// LatestGPUs returns the statuses from the last successful poll, or nil
// before the first one. Implements health.GPUProvider.
func (a *Agent) LatestGPUs() []model.GPUStatus {
	p := a.latest.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Run detects devices, applies the profile, then polls and reports until
// ctx is canceled or the report endpoint retires the agent.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.stateMachine.SetCancelFunc(cancel)

	sub := a.manager.Subscribe()
	defer sub.Close()
	go a.countEvents(sub)

	start := time.Now()
	statuses, err := a.manager.DetectGPUs(ctx)
	if err != nil {
		return err
	}
	slog.Info("agent: initial detection complete",
		"gpus", len(statuses),
		"vendors", a.manager.Vendors(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	for _, s := range statuses {
		slog.Info("agent: GPU detected", "gpu", s.Index, "summary", model.Summary(s))
	}

	a.applyProfile(ctx)

	a.stateMachine.TransitionTo(StateRunning, "initial detection complete")
	a.setStateMetric()
	a.ready.Store(true)
	slog.Info("agent is ready", "state", StateRunning, "reporting", a.reporter != nil)

	var wg sync.WaitGroup
	if a.reporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.reportLoop(ctx)
		}()
	}
	defer wg.Wait()

	pollTicker := time.NewTicker(a.config.PollInterval)
	defer pollTicker.Stop()

	a.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			if a.stateMachine.State() == StateExiting {
				slog.Info("agent exiting", "reason", a.stateMachine.StateReason())
				return nil
			}
			return ctx.Err()
		case <-pollTicker.C:
			a.poll(ctx)
		}
	}
}

// reportLoop pushes reports on its own ticker so a slow endpoint never
// delays polling. It reads only the latest poll and the monitor.
func (a *Agent) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := a.maybeReport(ctx); next > 0 {
				ticker.Reset(next)
			}
		}
	}
}

// countEvents mirrors the event channel into counters until the
// subscription closes.
func (a *Agent) countEvents(sub *events.Subscription) {
	for ev := range sub.Events() {
		a.metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
		if ev.Type == model.EventDriverUpdated {
			a.metrics.DriverUpdatesTotal.Inc()
		}
	}
}

// applyProfile applies alert overrides and per-device configs. Failures are
// logged and collected, never fatal.
func (a *Agent) applyProfile(ctx context.Context) {
	if a.profile == nil {
		return
	}
	if a.profile.Alerts != nil {
		a.monitor.SetAlertConfig(a.profile.Alerts.Apply(a.monitor.AlertConfig()))
		slog.Info("agent: profile alert overrides applied")
	}

	var applied atomic.Int32
	var g errgroup.Group
	for _, d := range a.profile.Devices {
		g.Go(func() error {
			err := a.applyDevice(ctx, d)
			status := "success"
			if err != nil {
				status = "error"
				a.errorCollector.ReportErr(component, err)
				slog.Warn("agent: profile apply failed", "gpu", d.Index, "error", err)
			} else {
				applied.Add(1)
			}
			a.metrics.ControlOpsTotal.WithLabelValues("apply_config", status).Inc()
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("agent: profile applied", "devices", applied.Load(), "requested", len(a.profile.Devices))
}

func (a *Agent) applyDevice(ctx context.Context, d config.DeviceProfile) error {
	cfg, err := d.GPUConfig()
	if err != nil {
		return agenterrors.InvalidConfig(component, err)
	}
	return a.manager.ApplyConfig(ctx, d.Index, cfg)
}

// poll runs one monitoring tick: detect, record, export.
func (a *Agent) poll(ctx context.Context) {
	if !a.manager.MonitoringEnabled() {
		return
	}

	start := time.Now()
	statuses, err := a.manager.DetectGPUs(ctx)
	a.metrics.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			a.metrics.PollTotal.WithLabelValues("error").Inc()
			a.errorCollector.ReportErr(component, err)
			slog.Warn("agent: poll failed", "error", err)
		}
		return
	}
	a.metrics.PollTotal.WithLabelValues("success").Inc()

	for _, s := range statuses {
		a.monitor.RecordMetrics(s.Index, s)
	}
	a.latest.Store(&statuses)

	a.metrics.SetGPUs(statuses)
	a.metrics.SetMonitorStats(a.monitor.Stats())
	a.metrics.EventsDropped.Set(float64(a.manager.Events().Dropped()))
}

// maybeReport sends a report if the state allows it. It returns the next
// report interval requested by the endpoint, or zero to keep the current one.
func (a *Agent) maybeReport(ctx context.Context) time.Duration {
	switch state := a.stateMachine.State(); state {
	case StateRunning:
	case StateBackoff:
		if !a.stateMachine.IsBackoffExpired() {
			slog.Debug("agent: in backoff, skipping report",
				"remaining", a.stateMachine.BackoffRemaining())
			return 0
		}
		a.stateMachine.TransitionTo(StateRunning, "backoff expired")
	default:
		slog.Debug("agent: reporting disabled in current state", "state", state,
			"reason", a.stateMachine.StateReason())
		return 0
	}
	return a.sendReport(ctx)
}

// BuildReport assembles a FleetReport from the latest poll.
func (a *Agent) BuildReport() *model.FleetReport {
	statuses := a.LatestGPUs()
	var (
		trends    []model.PerformanceTrend
		anomalies []model.Anomaly
	)
	for _, s := range statuses {
		if t := a.monitor.AnalyzePerformanceTrend(s.Index, reportLookbackMinutes); t != nil {
			trends = append(trends, *t)
		}
		anomalies = append(anomalies, a.monitor.DetectAnomalies(s.Index, reportLookbackMinutes)...)
	}
	return &model.FleetReport{
		ReportID:     uuid.NewString(),
		NodeID:       a.config.NodeID,
		NodeName:     a.config.NodeName,
		Timestamp:    time.Now().Unix(),
		AgentVersion: a.config.AgentVersion,
		GPUs:         statuses,
		Stats:        a.monitor.Stats(),
		Trends:       trends,
		Anomalies:    anomalies,
		ErrorCodes:   a.errorCollector.GetActiveErrorCodes(),
		Cloud:        a.cloud,
	}
}

func (a *Agent) sendReport(ctx context.Context) time.Duration {
	report := a.BuildReport()
	defer a.setStateMetric()

	resp, err := a.reporter.Send(ctx, report)
	if err != nil {
		var se *transport.StatusError
		if stderrors.As(err, &se) {
			a.stateMachine.HandleHTTPStatus(se.StatusCode, se.RetryAfter)
		}
		slog.Error("agent: report send failed",
			"report_id", report.ReportID,
			"state", a.stateMachine.State(),
			"error", err,
		)
		return 0
	}

	a.stateMachine.HandleHTTPStatus(http.StatusOK, 0)
	slog.Info("agent: report sent",
		"report_id", report.ReportID,
		"gpus", len(report.GPUs),
		"anomalies", len(report.Anomalies),
	)
	if resp != nil && resp.Directives.NextReportInSeconds > 0 {
		return time.Duration(resp.Directives.NextReportInSeconds) * time.Second
	}
	return 0
}

func (a *Agent) setStateMetric() {
	current := a.stateMachine.State()
	for _, s := range AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		a.metrics.AgentState.WithLabelValues(string(s)).Set(v)
	}
}

// RelieveMemoryPressure drops history for devices that are no longer
// present and returns freed memory to the OS. It is the memory pressure
// monitor's callback.
func (a *Agent) RelieveMemoryPressure(ratio float64) {
	present := make(map[int]bool)
	for _, s := range a.LatestGPUs() {
		present[s.Index] = true
	}
	var cleared int
	for _, idx := range a.monitor.Indices() {
		if !present[idx] {
			a.monitor.ClearHistory(idx)
			cleared++
		}
	}
	debug.FreeOSMemory()
	slog.Warn("agent: relieved memory pressure", "usage_ratio", ratio, "histories_cleared", cleared)
}
