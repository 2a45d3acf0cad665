package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// helper to clear all KUBEADAPT_GPU_ env vars before each test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"KUBEADAPT_GPU_NODE_ID",
		"KUBEADAPT_GPU_NODE_NAME",
		"KUBEADAPT_GPU_AGENT_VERSION",
		"KUBEADAPT_GPU_LOG_LEVEL",
		"KUBEADAPT_GPU_POLL_INTERVAL",
		"KUBEADAPT_GPU_HISTORY_CAPACITY",
		"KUBEADAPT_GPU_EVENT_BUFFER",
		"KUBEADAPT_GPU_MONITORING_ENABLED",
		"KUBEADAPT_GPU_NVIDIA_ENABLED",
		"KUBEADAPT_GPU_AMD_ENABLED",
		"KUBEADAPT_GPU_SYSFS_ROOT",
		"KUBEADAPT_GPU_IO_CONCURRENCY",
		"KUBEADAPT_GPU_IO_TIMEOUT",
		"KUBEADAPT_GPU_TEMP_WARNING",
		"KUBEADAPT_GPU_TEMP_CRITICAL",
		"KUBEADAPT_GPU_POWER_WARNING",
		"KUBEADAPT_GPU_MEMORY_WARNING",
		"KUBEADAPT_GPU_UTIL_SUSTAINED",
		"KUBEADAPT_GPU_UTIL_SUSTAINED_DURATION",
		"KUBEADAPT_GPU_PROFILE_FILE",
		"KUBEADAPT_GPU_DRIVER_CHECK_INTERVAL",
		"KUBEADAPT_GPU_MEMORY_PRESSURE_THRESHOLD",
		"KUBEADAPT_GPU_CLOUD_METADATA",
		"KUBEADAPT_GPU_CLOUD_METADATA_TIMEOUT",
		"KUBEADAPT_GPU_REPORT_URL",
		"KUBEADAPT_GPU_API_KEY",
		"KUBEADAPT_GPU_REPORT_INTERVAL",
		"KUBEADAPT_GPU_MAX_RETRIES",
		"KUBEADAPT_GPU_REQUEST_TIMEOUT",
		"KUBEADAPT_GPU_ALLOW_INSECURE",
		"KUBEADAPT_GPU_HEALTH_PORT",
		"KUBEADAPT_GPU_DEBUG_ENDPOINTS",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	assert.NotEmpty(t, cfg.NodeID, "NodeID should be auto-generated when empty")
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 1440, cfg.HistoryCapacity)
	assert.Equal(t, 1000, cfg.EventBuffer)
	assert.True(t, cfg.MonitoringEnabled)
	assert.True(t, cfg.NVIDIAEnabled)
	assert.True(t, cfg.AMDEnabled)
	assert.Equal(t, "/sys", cfg.SysfsRoot)
	assert.Equal(t, 4, cfg.IOConcurrency)
	assert.Equal(t, 2*time.Second, cfg.IOTimeout)
	assert.Equal(t, uint32(80), cfg.TempWarning)
	assert.Equal(t, uint32(90), cfg.TempCritical)
	assert.Equal(t, uint32(90), cfg.PowerWarning)
	assert.Equal(t, uint32(85), cfg.MemoryWarning)
	assert.Equal(t, uint32(95), cfg.UtilSustained)
	assert.Equal(t, 5*time.Minute, cfg.UtilSustainedDuration)
	assert.Equal(t, 5*time.Minute, cfg.DriverCheckInterval)
	assert.True(t, cfg.CloudMetadata)
	assert.Equal(t, 2*time.Second, cfg.CloudMetadataTimeout)
	assert.Empty(t, cfg.ReportURL)
	assert.False(t, cfg.ReportingEnabled())
	assert.Equal(t, 60*time.Second, cfg.ReportInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 8080, cfg.HealthPort)
	assert.False(t, cfg.AllowInsecure)
	assert.False(t, cfg.DebugEndpoints)
}

func TestLoad_AllEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("KUBEADAPT_GPU_NODE_ID", "node-123")
	t.Setenv("KUBEADAPT_GPU_NODE_NAME", "gpu-box-1")
	t.Setenv("KUBEADAPT_GPU_LOG_LEVEL", "debug")
	t.Setenv("KUBEADAPT_GPU_POLL_INTERVAL", "500ms")
	t.Setenv("KUBEADAPT_GPU_HISTORY_CAPACITY", "60")
	t.Setenv("KUBEADAPT_GPU_EVENT_BUFFER", "16")
	t.Setenv("KUBEADAPT_GPU_MONITORING_ENABLED", "false")
	t.Setenv("KUBEADAPT_GPU_NVIDIA_ENABLED", "false")
	t.Setenv("KUBEADAPT_GPU_SYSFS_ROOT", "/host/sys")
	t.Setenv("KUBEADAPT_GPU_TEMP_WARNING", "75")
	t.Setenv("KUBEADAPT_GPU_REPORT_URL", "https://fleet.example.com/")
	t.Setenv("KUBEADAPT_GPU_API_KEY", "secret")
	t.Setenv("KUBEADAPT_GPU_HEALTH_PORT", "9090")
	t.Setenv("KUBEADAPT_GPU_CLOUD_METADATA", "false")

	cfg := Load()

	assert.Equal(t, "node-123", cfg.NodeID)
	assert.Equal(t, "gpu-box-1", cfg.NodeName)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 60, cfg.HistoryCapacity)
	assert.Equal(t, 16, cfg.EventBuffer)
	assert.False(t, cfg.MonitoringEnabled)
	assert.False(t, cfg.NVIDIAEnabled)
	assert.True(t, cfg.AMDEnabled)
	assert.Equal(t, "/host/sys", cfg.SysfsRoot)
	assert.Equal(t, uint32(75), cfg.TempWarning)
	assert.Equal(t, "https://fleet.example.com", cfg.ReportURL, "trailing slash is trimmed")
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 9090, cfg.HealthPort)
	assert.False(t, cfg.CloudMetadata)
}

func TestLoad_DurationParsing(t *testing.T) {
	clearEnv(t)

	t.Setenv("KUBEADAPT_GPU_REPORT_INTERVAL", "60s")
	cfg := Load()
	assert.Equal(t, 60*time.Second, cfg.ReportInterval)

	// Plain integers are treated as seconds.
	t.Setenv("KUBEADAPT_GPU_REPORT_INTERVAL", "90")
	cfg = Load()
	assert.Equal(t, 90*time.Second, cfg.ReportInterval)

	// Garbage falls back to the default.
	t.Setenv("KUBEADAPT_GPU_POLL_INTERVAL", "soon")
	cfg = Load()
	assert.Equal(t, time.Second, cfg.PollInterval)
}

func TestLoad_BoolParsing(t *testing.T) {
	tests := []struct {
		envVal string
		want   bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"0", false},
		{"invalid", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run("val="+tt.envVal, func(t *testing.T) {
			clearEnv(t)
			if tt.envVal != "" {
				t.Setenv("KUBEADAPT_GPU_AMD_ENABLED", tt.envVal)
			}
			cfg := Load()
			assert.Equal(t, tt.want, cfg.AMDEnabled, "env=%q", tt.envVal)
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	clearEnv(t)
	base := Load()

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"poll interval too low", func(c *Config) { c.PollInterval = 10 * time.Millisecond }},
		{"zero history", func(c *Config) { c.HistoryCapacity = 0 }},
		{"zero event buffer", func(c *Config) { c.EventBuffer = 0 }},
		{"empty sysfs root", func(c *Config) { c.SysfsRoot = "" }},
		{"zero io concurrency", func(c *Config) { c.IOConcurrency = 0 }},
		{"warning above critical", func(c *Config) { c.TempWarning = 95 }},
		{"power warning over 100", func(c *Config) { c.PowerWarning = 101 }},
		{"memory warning zero", func(c *Config) { c.MemoryWarning = 0 }},
		{"zero sustained duration", func(c *Config) { c.UtilSustainedDuration = 0 }},
		{"bad port", func(c *Config) { c.HealthPort = 70000 }},
		{"pressure threshold", func(c *Config) { c.MemoryPressureThreshold = 1.5 }},
		{"zero cloud metadata timeout", func(c *Config) { c.CloudMetadataTimeout = 0 }},
		{"report interval too low", func(c *Config) {
			c.ReportURL = "https://fleet.example.com"
			c.ReportInterval = time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_HTTPSRequired(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	cfg.ReportURL = "http://insecure.example.com"

	require.Error(t, cfg.Validate(), "http:// ReportURL without AllowInsecure")

	cfg.AllowInsecure = true
	assert.NoError(t, cfg.Validate())
}

func TestConfig_AlertConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("KUBEADAPT_GPU_TEMP_CRITICAL", "92")
	t.Setenv("KUBEADAPT_GPU_UTIL_SUSTAINED_DURATION", "2m")

	ac := Load().AlertConfig()
	assert.Equal(t, uint32(92), ac.TemperatureCritical)
	assert.Equal(t, 2*time.Minute, ac.UtilizationSustainedDuration)
	assert.True(t, ac.EnableThermalAlerts)
}

func TestParseProfile(t *testing.T) {
	data := []byte(`
alerts:
  temperature_warning: 70
  utilization_sustained_duration: 90s
  enable_power_alerts: false
devices:
  - index: 0
    preset: balanced
    fan_curve: aggressive
  - index: 1
    power_mode: custom
    power_limit: 250
    fan_points: [[30, 10], [80, 90]]
  - index: 2
    preset: power_saver
    power_mode: auto
`)
	p, err := ParseProfile(data, model.DefaultAlertConfig())
	require.NoError(t, err)
	require.Len(t, p.Devices, 3)

	ac := p.Alerts.Apply(model.DefaultAlertConfig())
	assert.Equal(t, uint32(70), ac.TemperatureWarning)
	assert.Equal(t, uint32(90), ac.TemperatureCritical, "unset fields keep defaults")
	assert.Equal(t, 90*time.Second, ac.UtilizationSustainedDuration)
	assert.False(t, ac.EnablePowerAlerts)
	assert.True(t, ac.EnableThermalAlerts)

	cfg0, err := p.Devices[0].GPUConfig()
	require.NoError(t, err)
	assert.Equal(t, model.PowerModeBalanced, cfg0.PowerMode)
	require.NotNil(t, cfg0.FanCurve)
	assert.Equal(t, model.AggressiveFanCurve(), *cfg0.FanCurve)

	cfg1, err := p.Devices[1].GPUConfig()
	require.NoError(t, err)
	assert.Equal(t, model.PowerModeCustom, cfg1.PowerMode)
	assert.Equal(t, uint32(250), *cfg1.PowerLimit)
	assert.Equal(t, uint32(50), cfg1.FanCurve.CalculateFanSpeed(55))

	cfg2, err := p.Devices[2].GPUConfig()
	require.NoError(t, err)
	assert.Equal(t, model.PowerModeAuto, cfg2.PowerMode)
	assert.Equal(t, uint32(70), *cfg2.TempTarget, "preset fields survive a mode override")
}

func TestParseProfile_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown key":                    "devices:\n  - index: 0\n    turbo: true\n",
		"duplicate index":                "devices:\n  - index: 0\n  - index: 0\n",
		"negative index":                 "devices:\n  - index: -1\n",
		"bad preset":                     "devices:\n  - index: 0\n    preset: ludicrous\n",
		"bad mode":                       "devices:\n  - index: 0\n    power_mode: warp\n",
		"bad fan curve":                  "devices:\n  - index: 0\n    fan_curve: silent\n",
		"unsorted points":                "devices:\n  - index: 0\n    fan_points: [[80, 10], [30, 90]]\n",
		"zero power limit":               "devices:\n  - index: 0\n    power_limit: 0\n",
		"warning above default critical": "alerts:\n  temperature_warning: 95\n",
		"warning equals critical":        "alerts:\n  temperature_warning: 85\n  temperature_critical: 85\n",
		"power warning over 100":         "alerts:\n  power_usage_warning: 120\n",
		"zero memory warning":            "alerts:\n  memory_usage_warning: 0\n",
		"zero sustained duration":        "alerts:\n  utilization_sustained_duration: 0s\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile([]byte(doc), model.DefaultAlertConfig())
			assert.Error(t, err)
		})
	}
}

func TestParseProfile_AlertsValidatedAgainstBase(t *testing.T) {
	doc := []byte("alerts:\n  temperature_warning: 95\n")

	_, err := ParseProfile(doc, model.DefaultAlertConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature warning")

	// A base with a higher critical threshold accepts the same override.
	base := model.DefaultAlertConfig()
	base.TemperatureCritical = 100
	p, err := ParseProfile(doc, base)
	require.NoError(t, err)
	assert.Equal(t, uint32(95), p.Alerts.Apply(base).TemperatureWarning)
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - index: 3\n    preset: max_performance\n"), 0o600))

	p, err := LoadProfile(path, model.DefaultAlertConfig())
	require.NoError(t, err)
	require.Len(t, p.Devices, 1)
	assert.Equal(t, 3, p.Devices[0].Index)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	p, err = LoadProfile(empty, model.DefaultAlertConfig())
	require.NoError(t, err)
	assert.Empty(t, p.Devices)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"), model.DefaultAlertConfig())
	assert.Error(t, err)
}
