package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// Config holds all agent configuration values.
type Config struct {
	NodeID       string
	NodeName     string
	AgentVersion string
	LogLevel     slog.Level

	// Monitoring loop
	PollInterval      time.Duration // KUBEADAPT_GPU_POLL_INTERVAL, default: 1s
	HistoryCapacity   int           // KUBEADAPT_GPU_HISTORY_CAPACITY, default: 1440
	EventBuffer       int           // KUBEADAPT_GPU_EVENT_BUFFER, default: 1000
	MonitoringEnabled bool          // KUBEADAPT_GPU_MONITORING_ENABLED, default: true

	// Backends
	NVIDIAEnabled bool          // KUBEADAPT_GPU_NVIDIA_ENABLED, default: true
	AMDEnabled    bool          // KUBEADAPT_GPU_AMD_ENABLED, default: true
	SysfsRoot     string        // KUBEADAPT_GPU_SYSFS_ROOT, default: /sys
	IOConcurrency int           // KUBEADAPT_GPU_IO_CONCURRENCY, default: 4
	IOTimeout     time.Duration // KUBEADAPT_GPU_IO_TIMEOUT, default: 2s

	// Alerts
	TempWarning             uint32
	TempCritical            uint32
	PowerWarning            uint32
	MemoryWarning           uint32
	UtilSustained           uint32
	UtilSustainedDuration   time.Duration
	ProfileFile             string        // KUBEADAPT_GPU_PROFILE_FILE, default: "" (none)
	DriverCheckInterval     time.Duration // KUBEADAPT_GPU_DRIVER_CHECK_INTERVAL, default: 5m
	MemoryPressureThreshold float64

	// Cloud instance metadata
	CloudMetadata        bool          // KUBEADAPT_GPU_CLOUD_METADATA, default: true
	CloudMetadataTimeout time.Duration // KUBEADAPT_GPU_CLOUD_METADATA_TIMEOUT, default: 2s

	// Fleet report push (disabled when ReportURL is empty)
	ReportURL      string
	APIKey         string
	ReportInterval time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
	AllowInsecure  bool // KUBEADAPT_GPU_ALLOW_INSECURE, default: false; allows http:// ReportURL

	// Health server
	HealthPort     int
	DebugEndpoints bool // KUBEADAPT_GPU_DEBUG_ENDPOINTS, default: false; enables pprof/debug on health port
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		NodeID:          os.Getenv("KUBEADAPT_GPU_NODE_ID"),
		NodeName:        os.Getenv("KUBEADAPT_GPU_NODE_NAME"),
		AgentVersion:    envOrDefault("KUBEADAPT_GPU_AGENT_VERSION", "dev"),
		LogLevel:        parseLevel("KUBEADAPT_GPU_LOG_LEVEL", slog.LevelInfo),
		PollInterval:    parseDuration("KUBEADAPT_GPU_POLL_INTERVAL", time.Second),
		HistoryCapacity: parseInt("KUBEADAPT_GPU_HISTORY_CAPACITY", 1440),
		EventBuffer:     parseInt("KUBEADAPT_GPU_EVENT_BUFFER", 1000),
		SysfsRoot:       envOrDefault("KUBEADAPT_GPU_SYSFS_ROOT", "/sys"),
		IOConcurrency:   parseInt("KUBEADAPT_GPU_IO_CONCURRENCY", 4),
		IOTimeout:       parseDuration("KUBEADAPT_GPU_IO_TIMEOUT", 2*time.Second),
		HealthPort:      parseInt("KUBEADAPT_GPU_HEALTH_PORT", 8080),
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	if cfg.NodeName == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.NodeName = h
		}
	}

	cfg.MonitoringEnabled = parseBool("KUBEADAPT_GPU_MONITORING_ENABLED", true)
	cfg.NVIDIAEnabled = parseBool("KUBEADAPT_GPU_NVIDIA_ENABLED", true)
	cfg.AMDEnabled = parseBool("KUBEADAPT_GPU_AMD_ENABLED", true)

	cfg.TempWarning = parseUint32("KUBEADAPT_GPU_TEMP_WARNING", 80)
	cfg.TempCritical = parseUint32("KUBEADAPT_GPU_TEMP_CRITICAL", 90)
	cfg.PowerWarning = parseUint32("KUBEADAPT_GPU_POWER_WARNING", 90)
	cfg.MemoryWarning = parseUint32("KUBEADAPT_GPU_MEMORY_WARNING", 85)
	cfg.UtilSustained = parseUint32("KUBEADAPT_GPU_UTIL_SUSTAINED", 95)
	cfg.UtilSustainedDuration = parseDuration("KUBEADAPT_GPU_UTIL_SUSTAINED_DURATION", 5*time.Minute)
	cfg.ProfileFile = envOrDefault("KUBEADAPT_GPU_PROFILE_FILE", "")
	cfg.DriverCheckInterval = parseDuration("KUBEADAPT_GPU_DRIVER_CHECK_INTERVAL", 5*time.Minute)
	cfg.MemoryPressureThreshold = parseFloat("KUBEADAPT_GPU_MEMORY_PRESSURE_THRESHOLD", 0.8)

	cfg.CloudMetadata = parseBool("KUBEADAPT_GPU_CLOUD_METADATA", true)
	cfg.CloudMetadataTimeout = parseDuration("KUBEADAPT_GPU_CLOUD_METADATA_TIMEOUT", 2*time.Second)

	cfg.ReportURL = strings.TrimRight(os.Getenv("KUBEADAPT_GPU_REPORT_URL"), "/")
	cfg.APIKey = os.Getenv("KUBEADAPT_GPU_API_KEY")
	cfg.ReportInterval = parseDuration("KUBEADAPT_GPU_REPORT_INTERVAL", 60*time.Second)
	cfg.MaxRetries = parseInt("KUBEADAPT_GPU_MAX_RETRIES", 3)
	cfg.RequestTimeout = parseDuration("KUBEADAPT_GPU_REQUEST_TIMEOUT", 30*time.Second)
	cfg.AllowInsecure = parseBool("KUBEADAPT_GPU_ALLOW_INSECURE", false)

	cfg.DebugEndpoints = parseBool("KUBEADAPT_GPU_DEBUG_ENDPOINTS", false)

	return cfg
}

// AlertConfig builds the monitor's alert thresholds from the env settings.
// All alert categories start enabled; a profile file may switch them off.
func (c Config) AlertConfig() model.AlertConfig {
	ac := model.DefaultAlertConfig()
	ac.TemperatureWarning = c.TempWarning
	ac.TemperatureCritical = c.TempCritical
	ac.PowerUsageWarning = c.PowerWarning
	ac.MemoryUsageWarning = c.MemoryWarning
	ac.UtilizationSustainedThreshold = c.UtilSustained
	ac.UtilizationSustainedDuration = c.UtilSustainedDuration
	return ac
}

// ReportingEnabled reports whether a fleet report endpoint is configured.
func (c Config) ReportingEnabled() bool {
	return c.ReportURL != ""
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseUint32(key string, defaultVal uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return defaultVal
	}
	return uint32(n)
}

func parseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func parseLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
