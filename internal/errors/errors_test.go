package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockClock is a controllable clock for testing auto-expiry.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{now: t}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func TestAgentError_Implements_Error(t *testing.T) {
	ae := AgentError{
		Code:      ErrGPUNotFound,
		Message:   "GPU not found: 3",
		Component: "manager",
		Timestamp: time.Now().UnixMilli(),
	}

	// Must satisfy the error interface.
	var err error = &ae
	if err.Error() != "GPU not found: 3" {
		t.Fatalf("expected Error() = %q, got %q", "GPU not found: 3", err.Error())
	}
}

func TestAgentError_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("read temp1_input: permission denied")
	err := fmt.Errorf("detect: %w", IO("backend.amd", cause, "read hwmon"))

	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
	if CodeOf(err) != ErrIO {
		t.Fatalf("expected code %s, got %s", ErrIO, CodeOf(err))
	}
	if !stderrors.Is(err, &AgentError{Code: ErrIO}) {
		t.Fatal("expected code-based errors.Is match")
	}
	if stderrors.Is(err, &AgentError{Code: ErrTimeout}) {
		t.Fatal("unexpected match on a different code")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		err         *AgentError
		kind        Kind
		severity    Severity
		recoverable bool
	}{
		{GPUNotFound("m", 1), KindNotFound, SeverityHigh, false},
		{BackendNotAvailable("m", "AMD"), KindNotFound, SeverityHigh, false},
		{DriverNotFound("m", "nvidia"), KindNotFound, SeverityHigh, false},
		{NotSupported("m", "fan curve"), KindUnsupported, SeverityMedium, false},
		{IO("m", nil, "read"), KindTransient, SeverityMedium, true},
		{Timeout("m", "read", nil), KindTransient, SeverityLow, true},
		{InvalidState("m", "busy"), KindState, SeverityMedium, true},
		{InvalidConfig("m", nil), KindConfiguration, SeverityMedium, false},
		{Power("m", nil, "set limit"), KindSubsystem, SeverityMedium, false},
		{New(ErrThermal, "m", "overheat"), KindSubsystem, SeverityHigh, false},
		{New(ErrMemory, "m", "ecc"), KindSubsystem, SeverityHigh, false},
		{New(ErrPermissionDenied, "m", "root required"), KindUnsupported, SeverityHigh, false},
	}
	for _, tt := range tests {
		if got := tt.err.Kind(); got != tt.kind {
			t.Errorf("%s: kind = %s, want %s", tt.err.Code, got, tt.kind)
		}
		if got := tt.err.Severity(); got != tt.severity {
			t.Errorf("%s: severity = %s, want %s", tt.err.Code, got, tt.severity)
		}
		if got := tt.err.Recoverable(); got != tt.recoverable {
			t.Errorf("%s: recoverable = %v, want %v", tt.err.Code, got, tt.recoverable)
		}
	}
}

func TestHelpers(t *testing.T) {
	notFound := fmt.Errorf("apply: %w", GPUNotFound("manager", 9))
	if !IsNotFound(notFound) || IsUnsupported(notFound) || IsRecoverable(notFound) {
		t.Fatal("not-found classification mismatch")
	}

	unsupported := NotSupported("backend.nvidia", "fan curve")
	if !IsUnsupported(unsupported) {
		t.Fatal("expected unsupported")
	}

	if !IsRecoverable(Timeout("backend.amd", "read", nil)) {
		t.Fatal("expected timeout to be recoverable")
	}

	plain := fmt.Errorf("plain")
	if IsNotFound(plain) || IsRecoverable(plain) || CodeOf(plain) != "" {
		t.Fatal("plain errors must not classify")
	}
}

func TestErrorCollector_Report(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ec := NewErrorCollector(clk)

	ec.Report(AgentError{
		Code:      ErrBackendUnreachable,
		Message:   "connection refused",
		Component: "transport",
		Timestamp: clk.Now().UnixMilli(),
	})

	active := ec.GetActiveErrors()
	if len(active) != 1 {
		t.Fatalf("expected 1 active error, got %d", len(active))
	}
	if active[0].Code != ErrBackendUnreachable {
		t.Fatalf("expected code %s, got %s", ErrBackendUnreachable, active[0].Code)
	}
}

func TestErrorCollector_ReportErr(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ec := NewErrorCollector(clk)

	ec.ReportErr("agent", nil)
	ec.ReportErr("agent", fmt.Errorf("boom"))
	ec.ReportErr("agent", fmt.Errorf("wrapped: %w", &AgentError{Code: ErrNVML, Message: "nvml"}))

	codes := map[string]bool{}
	for _, c := range ec.GetActiveErrorCodes() {
		codes[c] = true
	}
	if len(codes) != 2 || !codes[string(ErrSystem)] || !codes[string(ErrNVML)] {
		t.Fatalf("unexpected codes: %v", codes)
	}
	for _, e := range ec.GetActiveErrors() {
		if e.Component != "agent" {
			t.Fatalf("expected component agent, got %q", e.Component)
		}
	}
}

func TestErrorCollector_AutoExpiry(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ec := NewErrorCollector(clk)

	ec.Report(AgentError{
		Code:      ErrIO,
		Message:   "read failed",
		Component: "backend.amd",
		Timestamp: clk.Now().UnixMilli(),
	})

	// Advance 6 minutes, beyond the 5-minute TTL.
	clk.Advance(6 * time.Minute)

	active := ec.GetActiveErrors()
	if len(active) != 0 {
		t.Fatalf("expected 0 active errors after expiry, got %d", len(active))
	}
}

func TestErrorCollector_RefreshPreventsExpiry(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ec := NewErrorCollector(clk)

	ae := AgentError{
		Code:      ErrTimeout,
		Message:   "nvml call timed out",
		Component: "backend.nvidia",
		Timestamp: clk.Now().UnixMilli(),
	}
	ec.Report(ae)

	// Advance 3 minutes, re-report (refresh).
	clk.Advance(3 * time.Minute)
	ae.Timestamp = clk.Now().UnixMilli()
	ec.Report(ae)

	// Advance another 3 minutes (6 total from initial, but only 3 from last report).
	clk.Advance(3 * time.Minute)

	active := ec.GetActiveErrors()
	if len(active) != 1 {
		t.Fatalf("expected 1 active error (refreshed), got %d", len(active))
	}
}

func TestErrorCollector_ThreadSafe(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ec := NewErrorCollector(clk)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ec.Report(AgentError{
				Code:      Code(fmt.Sprintf("ERR_%d", idx%5)),
				Message:   fmt.Sprintf("error %d", idx),
				Component: fmt.Sprintf("comp_%d", idx%3),
				Timestamp: clk.Now().UnixMilli(),
			})
			_ = ec.GetActiveErrors()
			_ = ec.GetActiveErrorCodes()
		}(i)
	}
	wg.Wait()

	active := ec.GetActiveErrors()
	if len(active) == 0 {
		t.Fatal("expected some active errors after concurrent writes")
	}
}

func TestErrorCollector_GetActiveErrorCodes(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ec := NewErrorCollector(clk)

	ec.Report(AgentError{Code: ErrIO, Message: "read failed", Component: "backend.amd", Timestamp: clk.Now().UnixMilli()})
	ec.Report(AgentError{Code: ErrNVML, Message: "nvml", Component: "backend.nvidia", Timestamp: clk.Now().UnixMilli()})
	ec.Report(AgentError{Code: ErrGPUNotFound, Message: "gpu 4", Component: "agent.profile", Timestamp: clk.Now().UnixMilli()})

	// Same code, different component: still one code.
	ec.Report(AgentError{Code: ErrIO, Message: "read failed again", Component: "driver", Timestamp: clk.Now().UnixMilli()})

	codes := ec.GetActiveErrorCodes()
	if len(codes) != 3 {
		t.Fatalf("expected 3 unique codes, got %d: %v", len(codes), codes)
	}

	codeSet := make(map[string]bool)
	for _, c := range codes {
		codeSet[c] = true
	}
	for _, expected := range []string{string(ErrIO), string(ErrNVML), string(ErrGPUNotFound)} {
		if !codeSet[expected] {
			t.Fatalf("expected code %s in results", expected)
		}
	}
}

func TestErrorCollector_Clear(t *testing.T) {
	clk := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ec := NewErrorCollector(clk)

	ec.Report(AgentError{Code: ErrPower, Message: "set limit", Component: "backend.nvidia", Timestamp: clk.Now().UnixMilli()})
	ec.Report(AgentError{Code: ErrDRM, Message: "drm", Component: "backend.amd", Timestamp: clk.Now().UnixMilli()})

	ec.Clear()

	if len(ec.GetActiveErrors()) != 0 {
		t.Fatal("expected 0 errors after Clear()")
	}
	if len(ec.GetActiveErrorCodes()) != 0 {
		t.Fatal("expected 0 error codes after Clear()")
	}
}
