// Package manager orchestrates the vendor backends behind one device index
// space and owns the event broadcaster.
package manager

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/backend"
	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/events"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

const component = "manager"

// vendorOrder fixes the order in which backends contribute devices to the
// global index space.
var vendorOrder = []model.Vendor{model.VendorNVIDIA, model.VendorAMD, model.VendorIntel, model.VendorUnknown}

// DriverUpdater checks for and applies driver updates, returning one
// human-readable line per change.
type DriverUpdater interface {
	UpdateDrivers(ctx context.Context) ([]string, error)
}

// Options configures a Manager.
type Options struct {
	// EventBuffer is the per-subscriber event buffer. Zero uses events.DefaultBuffer.
	EventBuffer int
	// Drivers handles UpdateDrivers. Nil makes UpdateDrivers a no-op.
	Drivers DriverUpdater
	// Clock stamps events. Nil uses the real clock.
	Clock clock.PassiveClock
}

// route maps a global device index to its backend and backend-local index.
type route struct {
	vendor model.Vendor
	local  int
}

// Manager routes device operations to the owning backend. A device keeps the
// global index it was first assigned for the life of the Manager; a device
// missing from a detection leaves a gap rather than shifting the others.
type Manager struct {
	events  *events.Broadcaster
	drivers DriverUpdater
	clock   clock.PassiveClock

	mu       sync.RWMutex
	backends map[model.Vendor]backend.Backend
	registry []model.GPUStatus
	routes   []route       // global index -> device, append-only
	assigned map[route]int // device -> global index
	present  map[int]bool  // indices seen by the last DetectGPUs

	locksMu sync.Mutex
	locks   map[int]*sync.Mutex

	monitoring atomic.Bool
}

// New creates a Manager with no backends.
func New(opts Options) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		events:   events.NewBroadcaster(opts.EventBuffer),
		drivers:  opts.Drivers,
		clock:    clk,
		backends: make(map[model.Vendor]backend.Backend),
		assigned: make(map[route]int),
		present:  make(map[int]bool),
		locks:    make(map[int]*sync.Mutex),
	}
}

// Register initializes each backend and keeps the ones that succeed. A
// failing vendor is logged and skipped so the others keep working. It
// returns the vendors that were registered.
func (m *Manager) Register(ctx context.Context, backends ...backend.Backend) []model.Vendor {
	var registered []model.Vendor
	for _, b := range backends {
		if err := b.Init(ctx); err != nil {
			slog.Info(fmt.Sprintf("no %s GPUs detected", b.Vendor()), "error", err)
			_ = b.Shutdown(ctx)
			continue
		}
		m.mu.Lock()
		if old, ok := m.backends[b.Vendor()]; ok {
			_ = old.Shutdown(ctx)
		}
		m.backends[b.Vendor()] = b
		m.mu.Unlock()
		registered = append(registered, b.Vendor())
		slog.Info("GPU backend registered", "vendor", b.Vendor())
	}
	return registered
}

// Vendors returns the registered vendors in index order.
func (m *Manager) Vendors() []model.Vendor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Vendor
	for _, v := range vendorOrder {
		if _, ok := m.backends[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// DetectGPUs queries every backend in parallel and replaces the registry.
// A failing backend contributes zero devices. With no backends the result
// is empty. Results are ordered by global index.
func (m *Manager) DetectGPUs(ctx context.Context) ([]model.GPUStatus, error) {
	vendors := m.Vendors()
	m.mu.RLock()
	backends := make([]backend.Backend, len(vendors))
	for i, v := range vendors {
		backends[i] = m.backends[v]
	}
	m.mu.RUnlock()

	results := make([][]model.GPUStatus, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			statuses, err := b.DetectGPUs(gctx)
			if err != nil {
				slog.Warn("manager: backend detection failed", "vendor", b.Vendor(), "error", err)
				return nil
			}
			results[i] = statuses
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	registry := make([]model.GPUStatus, 0)
	present := make(map[int]bool)
	for i, statuses := range results {
		for _, s := range statuses {
			r := route{vendor: vendors[i], local: s.Index}
			global, ok := m.assigned[r]
			if !ok {
				global = len(m.routes)
				m.routes = append(m.routes, r)
				m.assigned[r] = global
			}
			s.Index = global
			present[global] = true
			registry = append(registry, s)
		}
	}
	slices.SortFunc(registry, func(a, b model.GPUStatus) int { return cmp.Compare(a.Index, b.Index) })
	m.registry = registry
	m.present = present
	m.mu.Unlock()

	out := make([]model.GPUStatus, len(registry))
	copy(out, registry)
	return out, nil
}

// CachedGPUs returns the registry from the last DetectGPUs call.
func (m *Manager) CachedGPUs() []model.GPUStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.GPUStatus, len(m.registry))
	copy(out, m.registry)
	return out
}

// GPUStatus reads the live status of a device by global index.
func (m *Manager) GPUStatus(ctx context.Context, index int) (model.GPUStatus, error) {
	b, r, err := m.resolve(index)
	if err != nil {
		return model.GPUStatus{}, err
	}
	s, err := b.GPUStatus(ctx, r.local)
	if err != nil {
		return model.GPUStatus{}, err
	}
	s.Index = index
	return s, nil
}

// GetAllGPUStatus re-reads every cached device. Devices that fail are
// logged and omitted.
func (m *Manager) GetAllGPUStatus(ctx context.Context) []model.GPUStatus {
	cached := m.CachedGPUs()
	out := make([]model.GPUStatus, 0, len(cached))
	for _, c := range cached {
		s, err := m.GPUStatus(ctx, c.Index)
		if err != nil {
			slog.Warn("manager: failed to read GPU status", "index", c.Index, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out
}

// ApplyConfig validates cfg and applies it to the device. Calls on the same
// index serialize; different indices proceed in parallel.
func (m *Manager) ApplyConfig(ctx context.Context, index int, cfg model.GPUConfig) error {
	if err := cfg.Validate(); err != nil {
		return agenterrors.InvalidConfig(component, err)
	}
	return m.withDevice(index, func(b backend.Backend, local int) error {
		slog.Info("applying GPU config", "index", index, "vendor", b.Vendor(), "power_mode", cfg.PowerMode)
		return b.ApplyConfig(ctx, local, cfg)
	})
}

// SetPowerLimit sets a device power limit in watts.
func (m *Manager) SetPowerLimit(ctx context.Context, index int, watts uint32) error {
	return m.withDevice(index, func(b backend.Backend, local int) error {
		return b.SetPowerLimit(ctx, local, watts)
	})
}

// SetFanCurve applies a fan curve to a device.
func (m *Manager) SetFanCurve(ctx context.Context, index int, curve model.FanCurve) error {
	if err := curve.Validate(); err != nil {
		return agenterrors.InvalidConfig(component, err)
	}
	return m.withDevice(index, func(b backend.Backend, local int) error {
		return b.SetFanCurve(ctx, local, curve)
	})
}

// ResetGPU restores vendor defaults on a device.
func (m *Manager) ResetGPU(ctx context.Context, index int) error {
	return m.withDevice(index, func(b backend.Backend, local int) error {
		return b.ResetGPU(ctx, local)
	})
}

// SwitchGPU moves the active device from one index to another and emits a
// GpuSwitched event on success.
func (m *Manager) SwitchGPU(ctx context.Context, from, to int, reason string) error {
	fromBackend, fromRoute, err := m.resolve(from)
	if err != nil {
		return err
	}
	_, toRoute, err := m.resolve(to)
	if err != nil {
		return err
	}
	if !fromBackend.SupportsGPUSwitching() {
		return agenterrors.NotSupported(component, fmt.Sprintf("GPU switching on %s", fromRoute.vendor))
	}
	if fromRoute.vendor != toRoute.vendor {
		return agenterrors.NotSupported(component, fmt.Sprintf("GPU switching from %s to %s", fromRoute.vendor, toRoute.vendor))
	}
	if err := fromBackend.SwitchGPU(ctx, fromRoute.local, toRoute.local); err != nil {
		return err
	}

	slog.Info("GPU switched", "from", from, "to", to, "reason", reason)
	if err := m.events.Publish(model.NewGPUSwitched(m.clock.Now().Unix(), from, to, reason)); err != nil {
		slog.Debug("manager: switch event not delivered", "error", err)
	}
	return nil
}

// Subscribe returns an independent receiver on the event stream.
func (m *Manager) Subscribe() *events.Subscription {
	return m.events.Subscribe()
}

// Events returns the broadcaster for components that publish events.
func (m *Manager) Events() *events.Broadcaster {
	return m.events
}

// StartMonitoring sets the flag the polling loop checks on every tick.
func (m *Manager) StartMonitoring() {
	if !m.monitoring.Swap(true) {
		slog.Info("GPU monitoring started")
	}
}

// StopMonitoring clears the monitoring flag. The loop finishes its current
// tick and then idles.
func (m *Manager) StopMonitoring() {
	if m.monitoring.Swap(false) {
		slog.Info("GPU monitoring stopped")
	}
}

// MonitoringEnabled reports the monitoring flag.
func (m *Manager) MonitoringEnabled() bool {
	return m.monitoring.Load()
}

// UpdateDrivers delegates to the configured DriverUpdater.
func (m *Manager) UpdateDrivers(ctx context.Context) ([]string, error) {
	if m.drivers == nil {
		return []string{}, nil
	}
	return m.drivers.UpdateDrivers(ctx)
}

// Shutdown releases every backend and closes the event stream.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	backends := m.backends
	m.backends = make(map[model.Vendor]backend.Backend)
	m.registry = nil
	m.routes = nil
	m.assigned = make(map[route]int)
	m.present = make(map[int]bool)
	m.mu.Unlock()

	for v, b := range backends {
		if err := b.Shutdown(ctx); err != nil {
			slog.Warn("manager: backend shutdown failed", "vendor", v, "error", err)
		}
	}
	m.events.Close()
}

func (m *Manager) withDevice(index int, fn func(b backend.Backend, local int) error) error {
	b, r, err := m.resolve(index)
	if err != nil {
		return err
	}
	lock := m.lockFor(index)
	lock.Lock()
	defer lock.Unlock()
	return fn(b, r.local)
}

func (m *Manager) resolve(index int) (backend.Backend, route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.present[index] {
		return nil, route{}, agenterrors.GPUNotFound(component, index)
	}
	r := m.routes[index]
	b, ok := m.backends[r.vendor]
	if !ok {
		return nil, route{}, agenterrors.BackendNotAvailable(component, string(r.vendor))
	}
	return b, r, nil
}

func (m *Manager) lockFor(index int) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[index]
	if !ok {
		l = &sync.Mutex{}
		m.locks[index] = l
	}
	return l
}
