// Package nvidia implements the NVIDIA GPU backend on top of NVML.
package nvidia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/backend"
	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

const component = "backend.nvidia"

// Backend drives NVIDIA devices through a Library. Device handles are never
// stored; the registry only records which NVML indices answered the last
// detection, and each call re-acquires its handle.
type Backend struct {
	lib Library

	mu          sync.RWMutex
	initialized bool
	devices     map[int]struct{}
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Backend over lib. Use NewLibrary for the real NVML binding.
func New(lib Library) *Backend {
	return &Backend{
		lib:     lib,
		devices: make(map[int]struct{}),
	}
}

// Vendor returns model.VendorNVIDIA.
func (b *Backend) Vendor() model.Vendor { return model.VendorNVIDIA }

// Init loads NVML. A missing library or driver yields BACKEND_NOT_AVAILABLE.
func (b *Backend) Init(_ context.Context) error {
	if err := b.lib.Init(); err != nil {
		if errors.Is(err, ErrLibraryUnavailable) {
			return agenterrors.Wrap(agenterrors.ErrBackendNotAvailable, component, err, "backend not available: %s", model.VendorNVIDIA)
		}
		return agenterrors.Wrap(agenterrors.ErrNVML, component, err, "nvml init")
	}

	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	return nil
}

// Shutdown releases NVML. Calling it on an uninitialized backend is a no-op.
func (b *Backend) Shutdown(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false
	b.devices = make(map[int]struct{})
	if err := b.lib.Shutdown(); err != nil {
		return agenterrors.Wrap(agenterrors.ErrNVML, component, err, "nvml shutdown")
	}
	return nil
}

// DetectGPUs enumerates every NVML device and replaces the registry with the
// ones whose status could be read.
func (b *Backend) DetectGPUs(ctx context.Context) ([]model.GPUStatus, error) {
	count, err := b.lib.DeviceCount()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "device count")
	}

	driver := b.driverVersion()
	statuses := make([]model.GPUStatus, 0, count)
	devices := make(map[int]struct{}, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := b.readStatus(i, driver)
		if err != nil {
			slog.Warn("nvidia: skipping device", "index", i, "error", err)
			continue
		}
		statuses = append(statuses, s)
		devices[i] = struct{}{}
	}

	b.mu.Lock()
	b.devices = devices
	b.mu.Unlock()

	slog.Debug("nvidia: detection complete", "gpu_count", len(statuses))
	return statuses, nil
}

// GPUStatus reads the live status of a registered device.
func (b *Backend) GPUStatus(_ context.Context, index int) (model.GPUStatus, error) {
	if err := b.checkIndex(index); err != nil {
		return model.GPUStatus{}, err
	}
	return b.readStatus(index, b.driverVersion())
}

// ApplyConfig applies cfg to a device. PowerModeAuto is resolved once from
// the device's current utilization.
func (b *Backend) ApplyConfig(_ context.Context, index int, cfg model.GPUConfig) error {
	if err := b.checkIndex(index); err != nil {
		return err
	}
	dev, err := b.device(index)
	if err != nil {
		return err
	}

	mode := cfg.PowerMode
	if mode == model.PowerModeAuto {
		util, _, err := dev.Utilization()
		if err != nil {
			return agenterrors.Wrap(agenterrors.ErrNVML, component, err, "read utilization for auto mode")
		}
		mode = backend.ResolveAutoMode(mode, util)
		slog.Debug("nvidia: resolved auto power mode", "index", index, "utilization", util, "mode", mode)
	}

	if err := b.applyPowerMode(index, dev, mode); err != nil {
		return err
	}

	if cfg.PowerLimit != nil {
		if err := b.setPowerLimit(index, dev, *cfg.PowerLimit); err != nil {
			return err
		}
	}

	if cfg.FanCurve != nil {
		return agenterrors.NotSupported(component, "fan curve control")
	}

	if cfg.MemoryClockOffset != nil || cfg.GPUClockOffset != nil {
		slog.Warn("nvidia: clock offsets are not applied by this backend",
			"index", index, "memory_offset", cfg.MemoryClockOffset, "gpu_offset", cfg.GPUClockOffset)
	}
	return nil
}

// SetPowerLimit sets the device power limit in watts.
func (b *Backend) SetPowerLimit(_ context.Context, index int, watts uint32) error {
	if err := b.checkIndex(index); err != nil {
		return err
	}
	dev, err := b.device(index)
	if err != nil {
		return err
	}
	return b.setPowerLimit(index, dev, watts)
}

// SetFanCurve always fails: NVML has no standard fan-curve control.
func (b *Backend) SetFanCurve(_ context.Context, index int, _ model.FanCurve) error {
	if err := b.checkIndex(index); err != nil {
		return err
	}
	return agenterrors.NotSupported(component, "fan curve control")
}

// ResetGPU restores the maximum power limit, re-enables auto-boost and turns
// persistence mode off.
func (b *Backend) ResetGPU(_ context.Context, index int) error {
	if err := b.checkIndex(index); err != nil {
		return err
	}
	dev, err := b.device(index)
	if err != nil {
		return err
	}
	_, maxLimit, err := dev.PowerLimitConstraints()
	if err != nil {
		return agenterrors.Power(component, err, "read power constraints for GPU %d", index)
	}
	if err := dev.SetPowerLimit(maxLimit); err != nil {
		return agenterrors.Power(component, err, "reset power limit for GPU %d", index)
	}
	if err := optional(index, "auto boost", dev.SetAutoBoost(true)); err != nil {
		return err
	}
	return optional(index, "persistence mode", dev.SetPersistenceMode(false))
}

// SupportsGPUSwitching reports true: Optimus laptops pair an NVIDIA GPU with
// an integrated one.
func (b *Backend) SupportsGPUSwitching() bool { return true }

// SwitchGPU fails with OPERATION_NOT_SUPPORTED. NVML exposes no Optimus
// control, so the switch has to be made by the platform.
func (b *Backend) SwitchGPU(_ context.Context, _, _ int) error {
	return agenterrors.NotSupported(component, "GPU switching through NVML")
}

// Indices returns the registered NVML indices in ascending order.
func (b *Backend) Indices() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int, 0, len(b.devices))
	for i := range b.devices {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (b *Backend) applyPowerMode(index int, dev Device, mode model.PowerMode) error {
	if _, ok := backend.TargetPowerLimit(mode, 0); !ok {
		return nil
	}

	_, maxLimit, err := dev.PowerLimitConstraints()
	if err != nil {
		return agenterrors.Power(component, err, "read power constraints for GPU %d", index)
	}
	limit, _ := backend.TargetPowerLimit(mode, maxLimit)
	if err := dev.SetPowerLimit(limit); err != nil {
		return agenterrors.Power(component, err, "set %s power limit %dmW on GPU %d", mode, limit, index)
	}

	switch mode {
	case model.PowerModeMaxPerformance:
		if err := optional(index, "persistence mode", dev.SetPersistenceMode(true)); err != nil {
			return err
		}
		return optional(index, "auto boost", dev.SetAutoBoost(true))
	case model.PowerModePowerSaver:
		return optional(index, "auto boost", dev.SetAutoBoost(false))
	}
	return nil
}

func (b *Backend) setPowerLimit(index int, dev Device, watts uint32) error {
	mw := watts * 1000
	lo, hi, err := dev.PowerLimitConstraints()
	if err == nil && (mw < lo || mw > hi) {
		return agenterrors.InvalidConfig(component,
			fmt.Errorf("power limit %dW outside [%dW, %dW] for GPU %d", watts, lo/1000, hi/1000, index))
	}
	if err := dev.SetPowerLimit(mw); err != nil {
		return agenterrors.Power(component, err, "set power limit %dW on GPU %d", watts, index)
	}
	return nil
}

// optional tolerates features the board does not implement. Auto-boost and
// persistence mode are missing on many datacenter and consumer parts.
func optional(index int, feature string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnsupported) {
		slog.Debug("nvidia: feature not supported", "index", index, "feature", feature)
		return nil
	}
	return agenterrors.Power(component, err, "set %s on GPU %d", feature, index)
}

func (b *Backend) readStatus(index int, driver *string) (model.GPUStatus, error) {
	dev, err := b.device(index)
	if err != nil {
		return model.GPUStatus{}, err
	}

	name, err := dev.Name()
	if err != nil {
		return model.GPUStatus{}, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "read name of GPU %d", index)
	}
	temp, err := dev.Temperature()
	if err != nil {
		return model.GPUStatus{}, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "read temperature of GPU %d", index)
	}
	powerMW, err := dev.PowerUsage()
	if err != nil {
		return model.GPUStatus{}, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "read power usage of GPU %d", index)
	}
	limitMW, err := dev.PowerLimit()
	if err != nil {
		return model.GPUStatus{}, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "read power limit of GPU %d", index)
	}
	used, total, err := dev.MemoryInfo()
	if err != nil {
		return model.GPUStatus{}, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "read memory info of GPU %d", index)
	}
	utilGPU, utilMem, err := dev.Utilization()
	if err != nil {
		return model.GPUStatus{}, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "read utilization of GPU %d", index)
	}

	// Fan, clocks and PCI info are missing on some boards (passively cooled
	// parts have no fan); they degrade to zero values.
	var fan *uint32
	if v, err := dev.FanSpeed(); err == nil {
		fan = &v
	}
	clockG, clockM, _ := dev.Clocks()
	pci, _ := dev.PCIInfo()
	if pci.VendorID == 0 {
		pci.VendorID = model.PCIVendorNVIDIA
	}

	return model.GPUStatus{
		Index:             index,
		Name:              name,
		Vendor:            model.VendorNVIDIA,
		GPUType:           model.GPUTypeDiscrete,
		Temperature:       temp,
		PowerDraw:         powerMW / 1000,
		PowerLimit:        limitMW / 1000,
		MemoryUsed:        min(used, total),
		MemoryTotal:       total,
		UtilizationGPU:    utilGPU,
		UtilizationMemory: utilMem,
		FanSpeed:          fan,
		ClockGraphics:     clockG,
		ClockMemory:       clockM,
		DriverVersion:     driver,
		PCIInfo:           pci,
		PowerState:        model.DerivePowerState(utilGPU),
	}, nil
}

func (b *Backend) driverVersion() *string {
	v, err := b.lib.DriverVersion()
	if err != nil || v == "" {
		return nil
	}
	return &v
}

func (b *Backend) device(index int) (Device, error) {
	dev, err := b.lib.Device(index)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.ErrNVML, component, err, "acquire handle for GPU %d", index)
	}
	return dev, nil
}

func (b *Backend) checkIndex(index int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.devices[index]; !ok {
		return agenterrors.GPUNotFound(component, index)
	}
	return nil
}
