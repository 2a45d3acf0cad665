package model

import "time"

// MetricsPoint is the numeric subset of a GPUStatus at a point in time.
// Timestamp is unix seconds.
type MetricsPoint struct {
	Timestamp         int64   `json:"timestamp"`
	Temperature       uint32  `json:"temperature"`
	PowerDraw         uint32  `json:"power_draw"`
	UtilizationGPU    uint32  `json:"utilization_gpu"`
	UtilizationMemory uint32  `json:"utilization_memory"`
	MemoryUsed        uint64  `json:"memory_used"`
	ClockGraphics     uint32  `json:"clock_graphics"`
	ClockMemory       uint32  `json:"clock_memory"`
	FanSpeed          *uint32 `json:"fan_speed"`
}

// NewMetricsPoint derives a MetricsPoint from status at time ts.
func NewMetricsPoint(ts time.Time, status GPUStatus) MetricsPoint {
	var fan *uint32
	if status.FanSpeed != nil {
		v := *status.FanSpeed
		fan = &v
	}
	return MetricsPoint{
		Timestamp:         ts.Unix(),
		Temperature:       status.Temperature,
		PowerDraw:         status.PowerDraw,
		UtilizationGPU:    status.UtilizationGPU,
		UtilizationMemory: status.UtilizationMemory,
		MemoryUsed:        status.MemoryUsed,
		ClockGraphics:     status.ClockGraphics,
		ClockMemory:       status.ClockMemory,
		FanSpeed:          fan,
	}
}

// AlertConfig holds alert thresholds and per-category switches.
type AlertConfig struct {
	TemperatureWarning            uint32        `json:"temperature_warning" yaml:"temperature_warning"`
	TemperatureCritical           uint32        `json:"temperature_critical" yaml:"temperature_critical"`
	PowerUsageWarning             uint32        `json:"power_usage_warning" yaml:"power_usage_warning"`
	MemoryUsageWarning            uint32        `json:"memory_usage_warning" yaml:"memory_usage_warning"`
	UtilizationSustainedThreshold uint32        `json:"utilization_sustained_threshold" yaml:"utilization_sustained_threshold"`
	UtilizationSustainedDuration  time.Duration `json:"utilization_sustained_duration" yaml:"utilization_sustained_duration"`
	EnablePerformanceAlerts       bool          `json:"enable_performance_alerts" yaml:"enable_performance_alerts"`
	EnableThermalAlerts           bool          `json:"enable_thermal_alerts" yaml:"enable_thermal_alerts"`
	EnablePowerAlerts             bool          `json:"enable_power_alerts" yaml:"enable_power_alerts"`
	EnableMemoryAlerts            bool          `json:"enable_memory_alerts" yaml:"enable_memory_alerts"`
}

// DefaultAlertConfig returns the stock thresholds with every category enabled.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		TemperatureWarning:            80,
		TemperatureCritical:           90,
		PowerUsageWarning:             90,
		MemoryUsageWarning:            85,
		UtilizationSustainedThreshold: 95,
		UtilizationSustainedDuration:  5 * time.Minute,
		EnablePerformanceAlerts:       true,
		EnableThermalAlerts:           true,
		EnablePowerAlerts:             true,
		EnableMemoryAlerts:            true,
	}
}

// TrendDirection summarizes how efficiency moved across a window.
type TrendDirection string

// Trend directions.
const (
	TrendImproving TrendDirection = "Improving"
	TrendStable    TrendDirection = "Stable"
	TrendDegrading TrendDirection = "Degrading"
	TrendUnknown   TrendDirection = "Unknown"
)

// PerformanceTrend aggregates a device's history over a trailing window.
type PerformanceTrend struct {
	GPUIndex           int            `json:"gpu_index"`
	PeriodMinutes      uint32         `json:"period_minutes"`
	AverageTemperature float64        `json:"average_temperature"`
	PeakTemperature    uint32         `json:"peak_temperature"`
	AverageUtilization float64        `json:"average_utilization"`
	PeakUtilization    uint32         `json:"peak_utilization"`
	AveragePower       float64        `json:"average_power"`
	PeakPower          uint32         `json:"peak_power"`
	EfficiencyScore    float64        `json:"efficiency_score"`
	TrendDirection     TrendDirection `json:"trend_direction"`
}

// AnomalyType names a detector.
type AnomalyType string

// Anomaly types. MemoryLeak and PerformanceDegradation are reserved for
// detectors fed by external signals.
const (
	AnomalyTemperatureSpike       AnomalyType = "TemperatureSpike"
	AnomalyPowerDrop              AnomalyType = "PowerDrop"
	AnomalyUtilizationStuck       AnomalyType = "UtilizationStuck"
	AnomalyClockDrift             AnomalyType = "ClockDrift"
	AnomalyMemoryLeak             AnomalyType = "MemoryLeak"
	AnomalyPerformanceDegradation AnomalyType = "PerformanceDegradation"
)

// AnomalySeverity ranks anomalies.
type AnomalySeverity string

// Anomaly severities.
const (
	AnomalySeverityLow      AnomalySeverity = "Low"
	AnomalySeverityMedium   AnomalySeverity = "Medium"
	AnomalySeverityHigh     AnomalySeverity = "High"
	AnomalySeverityCritical AnomalySeverity = "Critical"
)

// Anomaly is a single detector finding.
type Anomaly struct {
	GPUIndex      int             `json:"gpu_index"`
	Type          AnomalyType     `json:"anomaly_type"`
	Severity      AnomalySeverity `json:"severity"`
	Description   string          `json:"description"`
	DetectedAt    int64           `json:"detected_at"`
	CurrentValue  float64         `json:"current_value"`
	ExpectedRange [2]float64      `json:"expected_range"`
}

// MonitoringStats describes the monitor's own activity.
type MonitoringStats struct {
	TotalMetricsCollected     uint64  `json:"total_metrics_collected"`
	AlertsTriggered           uint64  `json:"alerts_triggered"`
	SendFailures              uint64  `json:"send_failures"`
	UptimeSeconds             uint64  `json:"uptime_seconds"`
	LastCollectionTime        *int64  `json:"last_collection_time"`
	GPUCount                  int     `json:"gpu_count"`
	AverageCollectionInterval float64 `json:"average_collection_interval"`
}
