package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("config: PollInterval must be >= 100ms, got %v", c.PollInterval)
	}

	if c.HistoryCapacity < 1 {
		return fmt.Errorf("config: HistoryCapacity must be >= 1, got %d", c.HistoryCapacity)
	}

	if c.EventBuffer < 1 {
		return fmt.Errorf("config: EventBuffer must be >= 1, got %d", c.EventBuffer)
	}

	if c.SysfsRoot == "" {
		return fmt.Errorf("config: KUBEADAPT_GPU_SYSFS_ROOT must not be empty")
	}

	if c.IOConcurrency < 1 {
		return fmt.Errorf("config: IOConcurrency must be >= 1, got %d", c.IOConcurrency)
	}

	if c.IOTimeout <= 0 {
		return fmt.Errorf("config: IOTimeout must be > 0, got %v", c.IOTimeout)
	}

	if err := ValidateAlertConfig(c.AlertConfig()); err != nil {
		return err
	}

	if c.DriverCheckInterval < time.Second {
		return fmt.Errorf("config: DriverCheckInterval must be >= 1s, got %v", c.DriverCheckInterval)
	}

	if c.MemoryPressureThreshold <= 0 || c.MemoryPressureThreshold > 1 {
		return fmt.Errorf("config: MemoryPressureThreshold must be in (0,1], got %v", c.MemoryPressureThreshold)
	}

	if c.CloudMetadata && c.CloudMetadataTimeout <= 0 {
		return fmt.Errorf("config: CloudMetadataTimeout must be > 0, got %v", c.CloudMetadataTimeout)
	}

	if c.ReportURL != "" {
		if !c.AllowInsecure && !strings.HasPrefix(c.ReportURL, "https://") {
			return fmt.Errorf("config: KUBEADAPT_GPU_REPORT_URL must use https:// (got %q); set KUBEADAPT_GPU_ALLOW_INSECURE=true to override", c.ReportURL)
		}
		if c.ReportInterval < 10*time.Second {
			return fmt.Errorf("config: ReportInterval must be >= 10s, got %v", c.ReportInterval)
		}
		if c.MaxRetries < 0 {
			return fmt.Errorf("config: MaxRetries must be >= 0, got %d", c.MaxRetries)
		}
	}

	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("config: HealthPort must be 1-65535, got %d", c.HealthPort)
	}

	return nil
}

// ValidateAlertConfig checks alert thresholds: warning below critical,
// percentages in 1-100 and a positive sustained-utilization window.
func ValidateAlertConfig(ac model.AlertConfig) error {
	if ac.TemperatureWarning >= ac.TemperatureCritical {
		return fmt.Errorf("config: temperature warning (%d) must be below critical (%d)", ac.TemperatureWarning, ac.TemperatureCritical)
	}

	percentages := []struct {
		name string
		val  uint32
	}{
		{"power usage warning", ac.PowerUsageWarning},
		{"memory usage warning", ac.MemoryUsageWarning},
		{"utilization sustained threshold", ac.UtilizationSustainedThreshold},
	}
	for _, p := range percentages {
		if p.val < 1 || p.val > 100 {
			return fmt.Errorf("config: %s must be 1-100, got %d", p.name, p.val)
		}
	}

	if ac.UtilizationSustainedDuration <= 0 {
		return fmt.Errorf("config: utilization sustained duration must be > 0, got %v", ac.UtilizationSustainedDuration)
	}
	return nil
}
