package model

// Vendor identifies the manufacturer of a GPU.
type Vendor string

// Known GPU vendors.
const (
	VendorNVIDIA  Vendor = "NVIDIA"
	VendorAMD     Vendor = "AMD"
	VendorIntel   Vendor = "Intel"
	VendorUnknown Vendor = "Unknown"
)

// PCI vendor identifiers.
const (
	PCIVendorNVIDIA uint16 = 0x10DE
	PCIVendorAMD    uint16 = 0x1002
	PCIVendorIntel  uint16 = 0x8086
)

// GPUType classifies how a GPU is attached to the host.
type GPUType string

// GPU attachment types.
const (
	GPUTypeIntegrated GPUType = "Integrated"
	GPUTypeDiscrete   GPUType = "Discrete"
	GPUTypeExternal   GPUType = "External"
)

// PowerState is the derived power state of a GPU.
type PowerState string

// Power states. Suspended, PowerSave and Switching are only set by explicit
// external triggers; status polling yields Active or Idle.
const (
	PowerStateActive    PowerState = "Active"
	PowerStateIdle      PowerState = "Idle"
	PowerStateSuspended PowerState = "Suspended"
	PowerStatePowerSave PowerState = "PowerSave"
	PowerStateSwitching PowerState = "Switching"
)

// activeUtilizationThreshold is the GPU utilization above which a device is Active.
const activeUtilizationThreshold = 10

// DerivePowerState maps instantaneous GPU utilization to a power state.
func DerivePowerState(utilizationGPU uint32) PowerState {
	if utilizationGPU > activeUtilizationThreshold {
		return PowerStateActive
	}
	return PowerStateIdle
}

// PCIInfo holds the PCI address and identifiers of a GPU.
type PCIInfo struct {
	Domain   uint16 `json:"domain" yaml:"domain"`
	Bus      uint8  `json:"bus" yaml:"bus"`
	Device   uint8  `json:"device" yaml:"device"`
	Function uint8  `json:"function" yaml:"function"`
	VendorID uint16 `json:"vendor_id" yaml:"vendor_id"`
	DeviceID uint16 `json:"device_id" yaml:"device_id"`
}

// GPUStatus is an immutable snapshot of a GPU, rebuilt on every poll.
// Units: Celsius, Watts, bytes, MHz, 0-100 percentages.
type GPUStatus struct {
	Index             int        `json:"index" yaml:"index"`
	Name              string     `json:"name" yaml:"name"`
	Vendor            Vendor     `json:"vendor" yaml:"vendor"`
	GPUType           GPUType    `json:"gpu_type" yaml:"gpu_type"`
	Temperature       uint32     `json:"temperature" yaml:"temperature"`
	PowerDraw         uint32     `json:"power_draw" yaml:"power_draw"`
	PowerLimit        uint32     `json:"power_limit" yaml:"power_limit"`
	MemoryUsed        uint64     `json:"memory_used" yaml:"memory_used"`
	MemoryTotal       uint64     `json:"memory_total" yaml:"memory_total"`
	UtilizationGPU    uint32     `json:"utilization_gpu" yaml:"utilization_gpu"`
	UtilizationMemory uint32     `json:"utilization_memory" yaml:"utilization_memory"`
	FanSpeed          *uint32    `json:"fan_speed" yaml:"fan_speed"`
	ClockGraphics     uint32     `json:"clock_graphics" yaml:"clock_graphics"`
	ClockMemory       uint32     `json:"clock_memory" yaml:"clock_memory"`
	DriverVersion     *string    `json:"driver_version" yaml:"driver_version"`
	PCIInfo           PCIInfo    `json:"pci_info" yaml:"pci_info"`
	PowerState        PowerState `json:"power_state" yaml:"power_state"`
}

// MemoryPercent returns used VRAM as an integer percentage of total.
// A zero total is treated as one byte so the result stays defined.
func (s GPUStatus) MemoryPercent() uint32 {
	total := s.MemoryTotal
	if total == 0 {
		total = 1
	}
	return uint32(s.MemoryUsed * 100 / total)
}

// PowerPercent returns power draw as an integer percentage of the limit.
func (s GPUStatus) PowerPercent() uint32 {
	return s.PowerDraw * 100 / max(s.PowerLimit, 1)
}
