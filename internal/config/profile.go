package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// Profile is the YAML profile file: alert overrides plus per-device configs.
type Profile struct {
	Alerts  *AlertOverrides  `yaml:"alerts"`
	Devices []DeviceProfile `yaml:"devices"`
}

// AlertOverrides carries optional AlertConfig fields. Unset fields keep
// the value they already have.
type AlertOverrides struct {
	TemperatureWarning            *uint32        `yaml:"temperature_warning"`
	TemperatureCritical           *uint32        `yaml:"temperature_critical"`
	PowerUsageWarning             *uint32        `yaml:"power_usage_warning"`
	MemoryUsageWarning            *uint32        `yaml:"memory_usage_warning"`
	UtilizationSustainedThreshold *uint32        `yaml:"utilization_sustained_threshold"`
	UtilizationSustainedDuration  *time.Duration `yaml:"utilization_sustained_duration"`
	EnablePerformanceAlerts       *bool          `yaml:"enable_performance_alerts"`
	EnableThermalAlerts           *bool          `yaml:"enable_thermal_alerts"`
	EnablePowerAlerts             *bool          `yaml:"enable_power_alerts"`
	EnableMemoryAlerts            *bool          `yaml:"enable_memory_alerts"`
}

// DeviceProfile describes the desired config for one device index.
type DeviceProfile struct {
	Index           int         `yaml:"index"`
	Preset          string      `yaml:"preset"`
	PowerMode       string      `yaml:"power_mode"`
	PowerLimit      *uint32     `yaml:"power_limit"`
	TempTarget      *uint32     `yaml:"temp_target"`
	FanCurve        string      `yaml:"fan_curve"`
	FanPoints       [][2]uint32 `yaml:"fan_points"`
	MemClockOffset  *int32      `yaml:"memory_clock_offset"`
	GPUClockOffset  *int32      `yaml:"gpu_clock_offset"`
	AutoLoadBalance *bool       `yaml:"auto_load_balance"`
}

// LoadProfile reads and parses a profile file. Unknown keys are rejected.
// Alert overrides are validated on top of base.
func LoadProfile(path string, base model.AlertConfig) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	return ParseProfile(data, base)
}

// ParseProfile parses profile YAML, validates the alert overrides merged
// onto base and validates every device entry.
func ParseProfile(data []byte, base model.AlertConfig) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}

	if p.Alerts != nil {
		if err := ValidateAlertConfig(p.Alerts.Apply(base)); err != nil {
			return nil, fmt.Errorf("profile: alerts: %w", err)
		}
	}

	seen := make(map[int]struct{}, len(p.Devices))
	for i, d := range p.Devices {
		if d.Index < 0 {
			return nil, fmt.Errorf("profile: devices[%d]: index must be >= 0", i)
		}
		if _, dup := seen[d.Index]; dup {
			return nil, fmt.Errorf("profile: devices[%d]: duplicate index %d", i, d.Index)
		}
		seen[d.Index] = struct{}{}
		if _, err := d.GPUConfig(); err != nil {
			return nil, fmt.Errorf("profile: devices[%d]: %w", i, err)
		}
	}
	return &p, nil
}

// Apply overlays the overrides onto base.
func (o *AlertOverrides) Apply(base model.AlertConfig) model.AlertConfig {
	if o == nil {
		return base
	}
	setU32(&base.TemperatureWarning, o.TemperatureWarning)
	setU32(&base.TemperatureCritical, o.TemperatureCritical)
	setU32(&base.PowerUsageWarning, o.PowerUsageWarning)
	setU32(&base.MemoryUsageWarning, o.MemoryUsageWarning)
	setU32(&base.UtilizationSustainedThreshold, o.UtilizationSustainedThreshold)
	if o.UtilizationSustainedDuration != nil {
		base.UtilizationSustainedDuration = *o.UtilizationSustainedDuration
	}
	setBool(&base.EnablePerformanceAlerts, o.EnablePerformanceAlerts)
	setBool(&base.EnableThermalAlerts, o.EnableThermalAlerts)
	setBool(&base.EnablePowerAlerts, o.EnablePowerAlerts)
	setBool(&base.EnableMemoryAlerts, o.EnableMemoryAlerts)
	return base
}

// GPUConfig resolves the device profile into a config: preset first, then
// explicit fields on top. Without a preset or power mode the result is Custom.
func (d DeviceProfile) GPUConfig() (model.GPUConfig, error) {
	cfg := model.GPUConfig{PowerMode: model.PowerModeCustom}
	if d.Preset != "" {
		preset, err := model.PresetConfig(d.Preset)
		if err != nil {
			return model.GPUConfig{}, err
		}
		cfg = preset
	}
	if d.PowerMode != "" {
		mode, err := model.ParsePowerMode(d.PowerMode)
		if err != nil {
			return model.GPUConfig{}, err
		}
		cfg.PowerMode = mode
	}
	if d.PowerLimit != nil {
		cfg.PowerLimit = d.PowerLimit
	}
	if d.TempTarget != nil {
		cfg.TempTarget = d.TempTarget
	}
	if d.MemClockOffset != nil {
		cfg.MemoryClockOffset = d.MemClockOffset
	}
	if d.GPUClockOffset != nil {
		cfg.GPUClockOffset = d.GPUClockOffset
	}
	if d.AutoLoadBalance != nil {
		cfg.AutoLoadBalance = *d.AutoLoadBalance
	}

	switch {
	case len(d.FanPoints) > 0:
		curve := model.NewFanCurve(d.FanPoints...)
		cfg.FanCurve = &curve
	case d.FanCurve == "aggressive":
		curve := model.AggressiveFanCurve()
		cfg.FanCurve = &curve
	case d.FanCurve == "quiet":
		curve := model.QuietFanCurve()
		cfg.FanCurve = &curve
	case d.FanCurve != "":
		return model.GPUConfig{}, fmt.Errorf("unknown fan curve %q", d.FanCurve)
	}

	if err := cfg.Validate(); err != nil {
		return model.GPUConfig{}, err
	}
	return cfg, nil
}

func setU32(dst *uint32, v *uint32) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
