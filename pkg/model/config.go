package model

import (
	"fmt"
	"strings"

	"k8s.io/utils/ptr"
)

// PowerMode is the desired power policy for a GPU.
type PowerMode string

// Power modes.
const (
	PowerModeMaxPerformance PowerMode = "MaxPerformance"
	PowerModeBalanced       PowerMode = "Balanced"
	PowerModePowerSaver     PowerMode = "PowerSaver"
	PowerModeCustom         PowerMode = "Custom"
	PowerModeAuto           PowerMode = "Auto"
)

// ParsePowerMode accepts both the wire form ("MaxPerformance") and the
// snake_case form used in profile files ("max_performance").
func ParsePowerMode(s string) (PowerMode, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "maxperformance":
		return PowerModeMaxPerformance, nil
	case "balanced":
		return PowerModeBalanced, nil
	case "powersaver":
		return PowerModePowerSaver, nil
	case "custom":
		return PowerModeCustom, nil
	case "auto":
		return PowerModeAuto, nil
	}
	return "", fmt.Errorf("unknown power mode %q", s)
}

// GPUConfig is the desired target state applied to a single device.
// Nil optional fields are left untouched by backends.
type GPUConfig struct {
	PowerMode         PowerMode `json:"power_mode" yaml:"power_mode"`
	PowerLimit        *uint32   `json:"power_limit" yaml:"power_limit"`
	TempTarget        *uint32   `json:"temp_target" yaml:"temp_target"`
	FanCurve          *FanCurve `json:"fan_curve" yaml:"fan_curve"`
	MemoryClockOffset *int32    `json:"memory_clock_offset" yaml:"memory_clock_offset"`
	GPUClockOffset    *int32    `json:"gpu_clock_offset" yaml:"gpu_clock_offset"`
	AutoLoadBalance   bool      `json:"auto_load_balance" yaml:"auto_load_balance"`
}

// BalancedConfig is the default everyday profile.
func BalancedConfig() GPUConfig {
	return GPUConfig{
		PowerMode:       PowerModeBalanced,
		TempTarget:      ptr.To[uint32](83),
		AutoLoadBalance: true,
	}
}

// MaxPerformanceConfig raises limits and applies factory-safe overclock offsets.
func MaxPerformanceConfig() GPUConfig {
	return GPUConfig{
		PowerMode:         PowerModeMaxPerformance,
		TempTarget:        ptr.To[uint32](90),
		MemoryClockOffset: ptr.To[int32](500),
		GPUClockOffset:    ptr.To[int32](100),
		AutoLoadBalance:   true,
	}
}

// PowerSaverConfig lowers limits and underclocks.
func PowerSaverConfig() GPUConfig {
	return GPUConfig{
		PowerMode:         PowerModePowerSaver,
		TempTarget:        ptr.To[uint32](70),
		MemoryClockOffset: ptr.To[int32](-200),
		GPUClockOffset:    ptr.To[int32](-100),
	}
}

// PresetConfig resolves a preset name as used in profile files.
func PresetConfig(name string) (GPUConfig, error) {
	switch strings.ToLower(name) {
	case "balanced":
		return BalancedConfig(), nil
	case "max_performance", "maxperformance":
		return MaxPerformanceConfig(), nil
	case "power_saver", "powersaver":
		return PowerSaverConfig(), nil
	}
	return GPUConfig{}, fmt.Errorf("unknown config preset %q", name)
}

// Validate checks the config for values no backend could apply.
func (c GPUConfig) Validate() error {
	switch c.PowerMode {
	case PowerModeMaxPerformance, PowerModeBalanced, PowerModePowerSaver, PowerModeCustom, PowerModeAuto:
	default:
		return fmt.Errorf("invalid power mode %q", c.PowerMode)
	}
	if c.PowerLimit != nil && *c.PowerLimit == 0 {
		return fmt.Errorf("power limit must be > 0")
	}
	if c.FanCurve != nil {
		if err := c.FanCurve.Validate(); err != nil {
			return err
		}
	}
	return nil
}
