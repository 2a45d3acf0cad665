package agent

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemStatsProvider abstracts runtime.MemStats reading for testability.
type MemStatsProvider interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStatsProvider struct{}

func (runtimeMemStatsProvider) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// MemoryPressureMonitor polls runtime.MemStats and invokes a callback with
// the usage ratio whenever usage exceeds threshold * GOMEMLIMIT. The history
// rings are the agent's largest allocation, so the callback usually trims
// them.
type MemoryPressureMonitor struct {
	threshold  float64
	onPressure func(ratio float64)
	interval   time.Duration
	provider   MemStatsProvider

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMemoryPressureMonitor creates a monitor. A nil provider reads the real
// runtime stats.
func NewMemoryPressureMonitor(threshold float64, onPressure func(ratio float64), interval time.Duration, provider MemStatsProvider) *MemoryPressureMonitor {
	if provider == nil {
		provider = runtimeMemStatsProvider{}
	}
	return &MemoryPressureMonitor{
		threshold:  threshold,
		onPressure: onPressure,
		interval:   interval,
		provider:   provider,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins polling in the background until ctx ends or Stop is called.
func (m *MemoryPressureMonitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *MemoryPressureMonitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if ratio, over := m.Check(); over {
				slog.Warn("memory: pressure detected", "usage_ratio", ratio, "threshold", m.threshold)
				m.onPressure(ratio)
			}
		}
	}
}

// Check returns the current usage relative to GOMEMLIMIT and whether it
// exceeds the threshold. Without a limit the ratio is zero.
func (m *MemoryPressureMonitor) Check() (float64, bool) {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 {
		return 0, false
	}

	var stats runtime.MemStats
	m.provider.ReadMemStats(&stats)

	ratio := float64(stats.Sys-stats.HeapReleased) / float64(limit)
	return ratio, ratio > m.threshold
}

// Stop halts polling. Safe to call more than once.
func (m *MemoryPressureMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Done is closed once the polling goroutine has exited.
func (m *MemoryPressureMonitor) Done() <-chan struct{} {
	return m.done
}
