package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
	"time"
)

// Code represents a typed error code surfaced to operators and reports.
type Code string

// Agent error codes.
const (
	ErrGPUNotFound           Code = "GPU_NOT_FOUND"
	ErrBackendNotAvailable   Code = "BACKEND_NOT_AVAILABLE"
	ErrDriverNotFound        Code = "DRIVER_NOT_FOUND"
	ErrOperationNotSupported Code = "OPERATION_NOT_SUPPORTED"
	ErrPermissionDenied      Code = "PERMISSION_DENIED"
	ErrIO                    Code = "IO_ERROR"
	ErrTimeout               Code = "TIMEOUT"
	ErrSystem                Code = "SYSTEM_ERROR"
	ErrInvalidState          Code = "INVALID_STATE"
	ErrInvalidConfig         Code = "INVALID_CONFIG"
	ErrPower                 Code = "POWER_ERROR"
	ErrThermal               Code = "THERMAL_ERROR"
	ErrMemory                Code = "MEMORY_ERROR"
	ErrPCI                   Code = "PCI_ERROR"
	ErrNVML                  Code = "NVML_ERROR"
	ErrDRM                   Code = "DRM_ERROR"
	ErrSerialization         Code = "SERIALIZATION_ERROR"
	ErrBackendUnreachable    Code = "BACKEND_UNREACHABLE"
)

// Kind groups codes by how callers should react.
type Kind string

// Error kinds.
const (
	KindNotFound      Kind = "not_found"
	KindUnsupported   Kind = "unsupported"
	KindTransient     Kind = "transient"
	KindState         Kind = "state"
	KindConfiguration Kind = "configuration"
	KindSubsystem     Kind = "subsystem"
)

// Severity ranks errors for alerting.
type Severity string

// Severities.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type classification struct {
	kind        Kind
	severity    Severity
	recoverable bool
}

var classes = map[Code]classification{
	ErrGPUNotFound:           {KindNotFound, SeverityHigh, false},
	ErrBackendNotAvailable:   {KindNotFound, SeverityHigh, false},
	ErrDriverNotFound:        {KindNotFound, SeverityHigh, false},
	ErrOperationNotSupported: {KindUnsupported, SeverityMedium, false},
	ErrPermissionDenied:      {KindUnsupported, SeverityHigh, false},
	ErrIO:                    {KindTransient, SeverityMedium, true},
	ErrTimeout:               {KindTransient, SeverityLow, true},
	ErrSystem:                {KindTransient, SeverityMedium, true},
	ErrInvalidState:          {KindState, SeverityMedium, true},
	ErrInvalidConfig:         {KindConfiguration, SeverityMedium, false},
	ErrPower:                 {KindSubsystem, SeverityMedium, false},
	ErrThermal:               {KindSubsystem, SeverityHigh, false},
	ErrMemory:                {KindSubsystem, SeverityHigh, false},
	ErrPCI:                   {KindSubsystem, SeverityMedium, false},
	ErrNVML:                  {KindSubsystem, SeverityMedium, false},
	ErrDRM:                   {KindSubsystem, SeverityMedium, false},
	ErrSerialization:         {KindConfiguration, SeverityMedium, false},
	ErrBackendUnreachable:    {KindTransient, SeverityMedium, true},
}

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// AgentError represents a typed agent error with code, component, and optional wrapped error.
type AgentError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is matches any AgentError with the same code, so sentinel comparisons
// like errors.Is(err, &AgentError{Code: ErrTimeout}) work.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	return ok && t.Code == e.Code
}

// Kind returns the error kind. Unknown codes are treated as subsystem errors.
func (e *AgentError) Kind() Kind {
	if c, ok := classes[e.Code]; ok {
		return c.kind
	}
	return KindSubsystem
}

// Severity returns the error severity. Unknown codes default to medium.
func (e *AgentError) Severity() Severity {
	if c, ok := classes[e.Code]; ok {
		return c.severity
	}
	return SeverityMedium
}

// Recoverable reports whether a caller may retry the failed operation.
func (e *AgentError) Recoverable() bool {
	return classes[e.Code].recoverable
}

// New creates an AgentError stamped with the current time.
func New(code Code, component, format string, args ...any) *AgentError {
	return &AgentError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Component: component,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Wrap creates an AgentError around err.
func Wrap(code Code, component string, err error, format string, args ...any) *AgentError {
	ae := New(code, component, format, args...)
	ae.Err = err
	return ae
}

// GPUNotFound reports an unknown device index.
func GPUNotFound(component string, index int) *AgentError {
	return New(ErrGPUNotFound, component, "GPU not found: %d", index)
}

// BackendNotAvailable reports a vendor whose backend was never registered.
func BackendNotAvailable(component, vendor string) *AgentError {
	return New(ErrBackendNotAvailable, component, "backend not available: %s", vendor)
}

// DriverNotFound reports a missing vendor driver.
func DriverNotFound(component, vendor string) *AgentError {
	return New(ErrDriverNotFound, component, "driver not found: %s", vendor)
}

// NotSupported reports an operation the vendor or hardware does not implement.
func NotSupported(component, operation string) *AgentError {
	return New(ErrOperationNotSupported, component, "operation not supported: %s", operation)
}

// InvalidConfig reports a config value no backend could apply.
func InvalidConfig(component string, err error) *AgentError {
	return Wrap(ErrInvalidConfig, component, err, "invalid configuration")
}

// InvalidState reports a device in an unexpected state for an operation.
func InvalidState(component, format string, args ...any) *AgentError {
	return New(ErrInvalidState, component, format, args...)
}

// IO wraps a filesystem or device I/O failure.
func IO(component string, err error, format string, args ...any) *AgentError {
	return Wrap(ErrIO, component, err, format, args...)
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(component, operation string, err error) *AgentError {
	return Wrap(ErrTimeout, component, err, "timeout: %s", operation)
}

// Power wraps a power-management failure.
func Power(component string, err error, format string, args ...any) *AgentError {
	return Wrap(ErrPower, component, err, format, args...)
}

// CodeOf returns the AgentError code in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	var ae *AgentError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// KindOf returns the AgentError kind in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var ae *AgentError
	if stderrors.As(err, &ae) {
		return ae.Kind()
	}
	return ""
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsUnsupported reports whether err is an unsupported-operation error.
func IsUnsupported(err error) bool { return KindOf(err) == KindUnsupported }

// IsRecoverable reports whether err is safe to retry.
func IsRecoverable(err error) bool {
	var ae *AgentError
	if stderrors.As(err, &ae) {
		return ae.Recoverable()
	}
	return false
}

// entry wraps an AgentError with its last-reported time for expiry tracking.
type entry struct {
	err        AgentError
	lastReport time.Time
}

// ErrorCollector is a thread-safe store for active agent errors.
// Errors are keyed by Code+Component and auto-expire after 5 minutes
// if not re-reported.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock.
func NewErrorCollector(clock Clock) *ErrorCollector {
	return &ErrorCollector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// key builds the dedup key for an error.
func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err AgentError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	k := key(err.Code, err.Component)
	ec.entries[k] = entry{
		err:        err,
		lastReport: ec.clock.Now(),
	}
}

// ReportErr records err if it carries an AgentError, or as a SYSTEM_ERROR
// attributed to component otherwise.
func (ec *ErrorCollector) ReportErr(component string, err error) {
	if err == nil {
		return
	}
	var ae *AgentError
	if stderrors.As(err, &ae) {
		cp := *ae
		if cp.Component == "" {
			cp.Component = component
		}
		ec.Report(cp)
		return
	}
	ec.Report(AgentError{
		Code:      ErrSystem,
		Message:   err.Error(),
		Component: component,
		Timestamp: ec.clock.Now().UnixMilli(),
		Err:       err,
	})
}

// GetActiveErrors returns all errors that have been reported within the TTL window.
func (ec *ErrorCollector) GetActiveErrors() []AgentError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]AgentError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	return codes
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries = make(map[string]entry)
}
