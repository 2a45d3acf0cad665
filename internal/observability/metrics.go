package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

const namespace = "kubeadapt_gpu_agent"

// gpuLabels identify one device on every per-device gauge.
var gpuLabels = []string{"gpu", "vendor", "name"}

// Metrics holds all Prometheus metrics for device telemetry and agent
// self-monitoring. It uses a custom registry to avoid polluting the global
// default.
type Metrics struct {
	Registry *prometheus.Registry

	// Poll loop metrics
	PollDuration prometheus.Histogram
	PollTotal    *prometheus.CounterVec

	// Device metrics
	GPUCount             *prometheus.GaugeVec
	GPUTemperature       *prometheus.GaugeVec
	GPUPowerDraw         *prometheus.GaugeVec
	GPUPowerLimit        *prometheus.GaugeVec
	GPUUtilization       *prometheus.GaugeVec
	GPUMemoryUtilization *prometheus.GaugeVec
	GPUMemoryUsedBytes   *prometheus.GaugeVec
	GPUMemoryTotalBytes  *prometheus.GaugeVec
	GPUFanSpeed          *prometheus.GaugeVec
	GPUClockGraphics     *prometheus.GaugeVec
	GPUClockMemory       *prometheus.GaugeVec
	GPUEfficiency        *prometheus.GaugeVec

	// Control operations
	ControlOpsTotal *prometheus.CounterVec

	// Event and monitor metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventsDropped        prometheus.Gauge
	AlertsTriggered      prometheus.Gauge
	AlertSendFailures    prometheus.Gauge
	DriverUpdatesTotal   prometheus.Counter

	// Report metrics
	ReportSendDuration prometheus.Histogram
	ReportSizeBytes    *prometheus.HistogramVec
	ReportSendTotal    *prometheus.CounterVec

	// Transport metrics
	TransportRetries prometheus.Counter

	// State metrics
	AgentState *prometheus.GaugeVec

	// Compression metrics
	CompressionRatio    prometheus.Gauge
	CompressionDuration prometheus.Histogram
}

func gpuGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, gpuLabels)
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	sizeBuckets := prometheus.ExponentialBuckets(1024, 4, 10)

	m := &Metrics{
		Registry: reg,

		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of device polls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PollTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_total",
			Help:      "Total number of device polls.",
		}, []string{"status"}),

		GPUCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gpus",
			Help:      "Number of detected GPUs.",
		}, []string{"vendor"}),
		GPUTemperature:       gpuGauge("gpu_temperature_celsius", "GPU temperature in degrees Celsius."),
		GPUPowerDraw:         gpuGauge("gpu_power_draw_watts", "GPU power draw in watts."),
		GPUPowerLimit:        gpuGauge("gpu_power_limit_watts", "GPU power limit in watts."),
		GPUUtilization:       gpuGauge("gpu_utilization_percent", "GPU core utilization percentage."),
		GPUMemoryUtilization: gpuGauge("gpu_memory_utilization_percent", "GPU memory controller utilization percentage."),
		GPUMemoryUsedBytes:   gpuGauge("gpu_memory_used_bytes", "VRAM in use in bytes."),
		GPUMemoryTotalBytes:  gpuGauge("gpu_memory_total_bytes", "Total VRAM in bytes."),
		GPUFanSpeed:          gpuGauge("gpu_fan_speed_percent", "Fan speed percentage, absent when unreadable."),
		GPUClockGraphics:     gpuGauge("gpu_clock_graphics_mhz", "Graphics clock in MHz."),
		GPUClockMemory:       gpuGauge("gpu_clock_memory_mhz", "Memory clock in MHz."),
		GPUEfficiency:        gpuGauge("gpu_efficiency_score", "Composite efficiency score between 0 and 1."),

		ControlOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_operations_total",
			Help:      "Total number of device control operations.",
		}, []string{"operation", "status"}),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events observed on the event channel.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_dropped",
			Help:      "Events dropped by slow subscribers since start.",
		}),
		AlertsTriggered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_triggered",
			Help:      "Alerts delivered by the monitor since the last history reset.",
		}),
		AlertSendFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_send_failures",
			Help:      "Alerts that could not be delivered since the last history reset.",
		}),
		DriverUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_updates_total",
			Help:      "Total number of detected driver version changes.",
		}),

		ReportSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_send_duration_seconds",
			Help:      "Duration of fleet report send operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReportSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_size_bytes",
			Help:      "Size of fleet reports in bytes.",
			Buckets:   sizeBuckets,
		}, []string{"type"}),
		ReportSendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_send_total",
			Help:      "Total number of fleet report send attempts.",
		}, []string{"status"}),

		TransportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Total number of transport retry attempts.",
		}),

		AgentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current agent state (1 = active, 0 = inactive).",
		}, []string{"state"}),

		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compression_ratio",
			Help:      "Compression ratio of the last fleet report (compressed/original).",
		}),
		CompressionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compression_duration_seconds",
			Help:      "Time spent encoding and compressing a fleet report in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PollDuration,
		m.PollTotal,
		m.GPUCount,
		m.GPUTemperature,
		m.GPUPowerDraw,
		m.GPUPowerLimit,
		m.GPUUtilization,
		m.GPUMemoryUtilization,
		m.GPUMemoryUsedBytes,
		m.GPUMemoryTotalBytes,
		m.GPUFanSpeed,
		m.GPUClockGraphics,
		m.GPUClockMemory,
		m.GPUEfficiency,
		m.ControlOpsTotal,
		m.EventsPublishedTotal,
		m.EventsDropped,
		m.AlertsTriggered,
		m.AlertSendFailures,
		m.DriverUpdatesTotal,
		m.ReportSendDuration,
		m.ReportSizeBytes,
		m.ReportSendTotal,
		m.TransportRetries,
		m.AgentState,
		m.CompressionRatio,
		m.CompressionDuration,
	)

	return m
}

func (m *Metrics) deviceVecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		m.GPUTemperature,
		m.GPUPowerDraw,
		m.GPUPowerLimit,
		m.GPUUtilization,
		m.GPUMemoryUtilization,
		m.GPUMemoryUsedBytes,
		m.GPUMemoryTotalBytes,
		m.GPUFanSpeed,
		m.GPUClockGraphics,
		m.GPUClockMemory,
		m.GPUEfficiency,
	}
}

// SetGPUs replaces every per-device series with the given statuses so
// devices that disappeared stop being exported.
func (m *Metrics) SetGPUs(statuses []model.GPUStatus) {
	for _, v := range m.deviceVecs() {
		v.Reset()
	}
	m.GPUCount.Reset()

	counts := make(map[model.Vendor]int)
	for _, s := range statuses {
		counts[s.Vendor]++
		labels := prometheus.Labels{
			"gpu":    strconv.Itoa(s.Index),
			"vendor": string(s.Vendor),
			"name":   s.Name,
		}
		m.GPUTemperature.With(labels).Set(float64(s.Temperature))
		m.GPUPowerDraw.With(labels).Set(float64(s.PowerDraw))
		m.GPUPowerLimit.With(labels).Set(float64(s.PowerLimit))
		m.GPUUtilization.With(labels).Set(float64(s.UtilizationGPU))
		m.GPUMemoryUtilization.With(labels).Set(float64(s.UtilizationMemory))
		m.GPUMemoryUsedBytes.With(labels).Set(float64(s.MemoryUsed))
		m.GPUMemoryTotalBytes.With(labels).Set(float64(s.MemoryTotal))
		if s.FanSpeed != nil {
			m.GPUFanSpeed.With(labels).Set(float64(*s.FanSpeed))
		}
		m.GPUClockGraphics.With(labels).Set(float64(s.ClockGraphics))
		m.GPUClockMemory.With(labels).Set(float64(s.ClockMemory))
		m.GPUEfficiency.With(labels).Set(model.EfficiencyScore(s))
	}
	for vendor, n := range counts {
		m.GPUCount.WithLabelValues(string(vendor)).Set(float64(n))
	}
}

// SetMonitorStats mirrors the monitor's own counters.
func (m *Metrics) SetMonitorStats(stats model.MonitoringStats) {
	m.AlertsTriggered.Set(float64(stats.AlertsTriggered))
	m.AlertSendFailures.Set(float64(stats.SendFailures))
}
