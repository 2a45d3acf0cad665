package model

// EventType tags the variant carried by a GPUEvent.
type EventType string

// Event variants.
const (
	EventTemperatureAlert    EventType = "TemperatureAlert"
	EventVRAMAlert           EventType = "VramAlert"
	EventPowerAlert          EventType = "PowerAlert"
	EventGPUSwitched         EventType = "GpuSwitched"
	EventDriverUpdated       EventType = "DriverUpdated"
	EventPerformanceDegraded EventType = "PerformanceDegraded"
)

// GPUEvent is a tagged variant. Exactly one payload pointer matching Type is set.
type GPUEvent struct {
	Type      EventType `json:"type" yaml:"type"`
	Timestamp int64     `json:"timestamp" yaml:"timestamp"`

	TemperatureAlert    *TemperatureAlert    `json:"temperature_alert,omitempty" yaml:"temperature_alert,omitempty"`
	VRAMAlert           *VRAMAlert           `json:"vram_alert,omitempty" yaml:"vram_alert,omitempty"`
	PowerAlert          *PowerAlert          `json:"power_alert,omitempty" yaml:"power_alert,omitempty"`
	GPUSwitched         *GPUSwitched         `json:"gpu_switched,omitempty" yaml:"gpu_switched,omitempty"`
	DriverUpdated       *DriverUpdated       `json:"driver_updated,omitempty" yaml:"driver_updated,omitempty"`
	PerformanceDegraded *PerformanceDegraded `json:"performance_degraded,omitempty" yaml:"performance_degraded,omitempty"`
}

// TemperatureAlert fires when a device crosses a temperature threshold.
type TemperatureAlert struct {
	GPUIndex    int    `json:"gpu_index" yaml:"gpu_index"`
	Temperature uint32 `json:"temperature" yaml:"temperature"`
	Threshold   uint32 `json:"threshold" yaml:"threshold"`
}

// VRAMAlert fires when VRAM usage crosses the configured percentage.
type VRAMAlert struct {
	GPUIndex    int    `json:"gpu_index" yaml:"gpu_index"`
	UsedPercent uint32 `json:"used_percent" yaml:"used_percent"`
	Threshold   uint32 `json:"threshold" yaml:"threshold"`
}

// PowerAlert fires when power draw crosses the configured share of the limit.
type PowerAlert struct {
	GPUIndex   int    `json:"gpu_index" yaml:"gpu_index"`
	PowerDraw  uint32 `json:"power_draw" yaml:"power_draw"`
	PowerLimit uint32 `json:"power_limit" yaml:"power_limit"`
}

// GPUSwitched records a completed switch between two devices.
type GPUSwitched struct {
	FromGPU int    `json:"from_gpu" yaml:"from_gpu"`
	ToGPU   int    `json:"to_gpu" yaml:"to_gpu"`
	Reason  string `json:"reason" yaml:"reason"`
}

// DriverUpdated records a driver version change for a device.
type DriverUpdated struct {
	GPUIndex   int    `json:"gpu_index" yaml:"gpu_index"`
	OldVersion string `json:"old_version" yaml:"old_version"`
	NewVersion string `json:"new_version" yaml:"new_version"`
}

// PerformanceDegraded fires on sustained saturation.
type PerformanceDegraded struct {
	GPUIndex      int     `json:"gpu_index" yaml:"gpu_index"`
	ExpectedScore float64 `json:"expected_score" yaml:"expected_score"`
	ActualScore   float64 `json:"actual_score" yaml:"actual_score"`
}

// GPUIndex returns the device the event refers to, or -1 for switch events.
func (e GPUEvent) GPUIndex() int {
	switch {
	case e.TemperatureAlert != nil:
		return e.TemperatureAlert.GPUIndex
	case e.VRAMAlert != nil:
		return e.VRAMAlert.GPUIndex
	case e.PowerAlert != nil:
		return e.PowerAlert.GPUIndex
	case e.DriverUpdated != nil:
		return e.DriverUpdated.GPUIndex
	case e.PerformanceDegraded != nil:
		return e.PerformanceDegraded.GPUIndex
	}
	return -1
}

// NewTemperatureAlert builds a TemperatureAlert event.
func NewTemperatureAlert(ts int64, index int, temperature, threshold uint32) GPUEvent {
	return GPUEvent{Type: EventTemperatureAlert, Timestamp: ts, TemperatureAlert: &TemperatureAlert{
		GPUIndex: index, Temperature: temperature, Threshold: threshold,
	}}
}

// NewVRAMAlert builds a VramAlert event.
func NewVRAMAlert(ts int64, index int, usedPercent, threshold uint32) GPUEvent {
	return GPUEvent{Type: EventVRAMAlert, Timestamp: ts, VRAMAlert: &VRAMAlert{
		GPUIndex: index, UsedPercent: usedPercent, Threshold: threshold,
	}}
}

// NewPowerAlert builds a PowerAlert event.
func NewPowerAlert(ts int64, index int, draw, limit uint32) GPUEvent {
	return GPUEvent{Type: EventPowerAlert, Timestamp: ts, PowerAlert: &PowerAlert{
		GPUIndex: index, PowerDraw: draw, PowerLimit: limit,
	}}
}

// NewGPUSwitched builds a GpuSwitched event.
func NewGPUSwitched(ts int64, from, to int, reason string) GPUEvent {
	return GPUEvent{Type: EventGPUSwitched, Timestamp: ts, GPUSwitched: &GPUSwitched{
		FromGPU: from, ToGPU: to, Reason: reason,
	}}
}

// NewDriverUpdated builds a DriverUpdated event.
func NewDriverUpdated(ts int64, index int, oldVersion, newVersion string) GPUEvent {
	return GPUEvent{Type: EventDriverUpdated, Timestamp: ts, DriverUpdated: &DriverUpdated{
		GPUIndex: index, OldVersion: oldVersion, NewVersion: newVersion,
	}}
}

// NewPerformanceDegraded builds a PerformanceDegraded event.
func NewPerformanceDegraded(ts int64, index int, expected, actual float64) GPUEvent {
	return GPUEvent{Type: EventPerformanceDegraded, Timestamp: ts, PerformanceDegraded: &PerformanceDegraded{
		GPUIndex: index, ExpectedScore: expected, ActualScore: actual,
	}}
}
