// Package monitor keeps bounded per-device metric history, evaluates alert
// rules on every sample, and derives performance trends and anomalies.
package monitor

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

const component = "monitor"

// DefaultCapacity holds 24h of 1-minute samples.
const DefaultCapacity = 1440

// minSustainedPoints is the fewest samples the sustained-utilization rule
// will judge.
const minSustainedPoints = 5

// expectedEfficiency is the nominal efficiency reported alongside a
// PerformanceDegraded alert.
const expectedEfficiency = 0.7

// Publisher receives alert events. Delivery failures are counted, never
// returned to the recorder.
type Publisher interface {
	Publish(ev model.GPUEvent) error
}

// Options configures a Monitor.
type Options struct {
	// Capacity is the per-device history size. Zero uses DefaultCapacity.
	Capacity int
	// Alerts is the initial alert configuration.
	Alerts model.AlertConfig
	// Clock stamps samples. Nil uses the real clock.
	Clock clock.PassiveClock
	// Publisher receives alerts. Nil discards them as send failures.
	Publisher Publisher
}

// Monitor owns the history rings and monitoring counters.
type Monitor struct {
	capacity  int
	clock     clock.PassiveClock
	publisher Publisher

	mu        sync.RWMutex
	alerts    model.AlertConfig
	history   map[int]*ring
	startedAt time.Time
	collected uint64
	lastAt    *int64
	// Running mean of the gap between consecutive samples, in seconds.
	intervalMean  float64
	intervalCount uint64

	alertsTriggered atomic.Uint64
	sendFailures    atomic.Uint64
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{
		capacity:  capacity,
		clock:     clk,
		publisher: opts.Publisher,
		alerts:    opts.Alerts,
		history:   make(map[int]*ring),
		startedAt: clk.Now(),
	}
}

// SetAlertConfig replaces the alert configuration.
func (m *Monitor) SetAlertConfig(cfg model.AlertConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = cfg
}

// AlertConfig returns the current alert configuration.
func (m *Monitor) AlertConfig() model.AlertConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alerts
}

// RecordMetrics appends a sample for index and publishes any alerts it
// triggers.
func (m *Monitor) RecordMetrics(index int, status model.GPUStatus) {
	now := m.clock.Now()
	point := model.NewMetricsPoint(now, status)

	m.mu.Lock()
	r, ok := m.history[index]
	if !ok {
		r = newRing(m.capacity)
		m.history[index] = r
	}
	r.push(point)

	m.collected++
	ts := point.Timestamp
	if m.lastAt != nil {
		gap := float64(ts - *m.lastAt)
		m.intervalCount++
		m.intervalMean += (gap - m.intervalMean) / float64(m.intervalCount)
	}
	m.lastAt = &ts

	alerts := evaluateAlerts(m.alerts, index, status, r, ts)
	m.mu.Unlock()

	for _, ev := range alerts {
		m.send(ev)
	}
}

func (m *Monitor) send(ev model.GPUEvent) {
	if m.publisher == nil {
		m.sendFailures.Add(1)
		return
	}
	if err := m.publisher.Publish(ev); err != nil {
		m.sendFailures.Add(1)
		slog.Debug("monitor: alert not delivered", "type", ev.Type, "gpu", ev.GPUIndex(), "error", err)
		return
	}
	m.alertsTriggered.Add(1)
}

// evaluateAlerts applies every enabled rule to the newest sample. r already
// contains the sample.
func evaluateAlerts(cfg model.AlertConfig, index int, s model.GPUStatus, r *ring, now int64) []model.GPUEvent {
	var out []model.GPUEvent

	if cfg.EnableThermalAlerts {
		switch {
		case s.Temperature >= cfg.TemperatureCritical:
			out = append(out, model.NewTemperatureAlert(now, index, s.Temperature, cfg.TemperatureCritical))
		case s.Temperature >= cfg.TemperatureWarning:
			out = append(out, model.NewTemperatureAlert(now, index, s.Temperature, cfg.TemperatureWarning))
		}
	}

	if cfg.EnablePowerAlerts && s.PowerPercent() >= cfg.PowerUsageWarning {
		out = append(out, model.NewPowerAlert(now, index, s.PowerDraw, s.PowerLimit))
	}

	if cfg.EnableMemoryAlerts {
		if pct := s.MemoryPercent(); pct >= cfg.MemoryUsageWarning {
			out = append(out, model.NewVRAMAlert(now, index, pct, cfg.MemoryUsageWarning))
		}
	}

	if cfg.EnablePerformanceAlerts && sustainedUtilization(cfg, r, now) {
		out = append(out, model.NewPerformanceDegraded(now, index, expectedEfficiency, float64(s.UtilizationGPU)/100))
	}

	return out
}

// sustainedUtilization reports whether every sample in the trailing
// duration is at or above the threshold. The history must reach back at
// least the full duration and the window must hold enough samples.
func sustainedUtilization(cfg model.AlertConfig, r *ring, now int64) bool {
	if r.len() == 0 {
		return false
	}
	cutoff := now - int64(cfg.UtilizationSustainedDuration/time.Second)
	if r.at(0).Timestamp > cutoff {
		return false
	}
	window := r.since(cutoff)
	if len(window) < minSustainedPoints {
		return false
	}
	for _, p := range window {
		if p.UtilizationGPU < cfg.UtilizationSustainedThreshold {
			return false
		}
	}
	return true
}

// History returns a copy of a device's history in arrival order.
func (m *Monitor) History(index int) []model.MetricsPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.history[index]
	if !ok {
		return nil
	}
	return r.slice()
}

// Latest returns the newest sample for a device.
func (m *Monitor) Latest(index int) (model.MetricsPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.history[index]
	if !ok || r.len() == 0 {
		return model.MetricsPoint{}, false
	}
	return r.at(r.len() - 1), true
}

// MetricsRange returns samples with start <= Timestamp <= end (unix seconds).
func (m *Monitor) MetricsRange(index int, start, end int64) []model.MetricsPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.history[index]
	if !ok {
		return nil
	}
	var out []model.MetricsPoint
	for i := 0; i < r.len(); i++ {
		p := r.at(i)
		if p.Timestamp >= start && p.Timestamp <= end {
			out = append(out, p)
		}
	}
	return out
}

// Indices returns the device indices with history, ascending.
func (m *Monitor) Indices() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.history))
	for i := range m.history {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// ClearHistory drops one device's history.
func (m *Monitor) ClearHistory(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, index)
}

// ClearAllHistory drops every device's history and resets the counters.
func (m *Monitor) ClearAllHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[int]*ring)
	m.collected = 0
	m.lastAt = nil
	m.intervalMean = 0
	m.intervalCount = 0
	m.startedAt = m.clock.Now()
	m.alertsTriggered.Store(0)
	m.sendFailures.Store(0)
}

// ExportMetrics renders a device's history as indented JSON.
func (m *Monitor) ExportMetrics(index int) ([]byte, error) {
	points := m.History(index)
	if points == nil {
		return nil, agenterrors.GPUNotFound(component, index)
	}
	data, err := json.MarshalIndent(points, "", "  ")
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.ErrSerialization, component, err, "export metrics for GPU %d", index)
	}
	return data, nil
}

// Stats returns the monitor's own counters.
func (m *Monitor) Stats() model.MonitoringStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *int64
	if m.lastAt != nil {
		v := *m.lastAt
		last = &v
	}
	uptime := m.clock.Since(m.startedAt)
	return model.MonitoringStats{
		TotalMetricsCollected:     m.collected,
		AlertsTriggered:           m.alertsTriggered.Load(),
		SendFailures:              m.sendFailures.Load(),
		UptimeSeconds:             uint64(max(uptime, 0) / time.Second),
		LastCollectionTime:        last,
		GPUCount:                  len(m.history),
		AverageCollectionInterval: m.intervalMean,
	}
}
