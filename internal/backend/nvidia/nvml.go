package nvidia

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

var (
	// ErrLibraryUnavailable is returned by Init when libnvml or the kernel
	// driver is missing.
	ErrLibraryUnavailable = errors.New("nvml library unavailable")
	// ErrUnsupported is returned when the device does not implement a call.
	ErrUnsupported = errors.New("nvml: not supported")
)

// Library is the subset of NVML the backend uses. Values are returned as
// plain Go types so the backend can be tested without the shared library.
type Library interface {
	Init() error
	Shutdown() error
	DeviceCount() (int, error)
	DriverVersion() (string, error)
	// Device returns a handle for the NVML index. Handles are not retained
	// by callers; every operation re-acquires one.
	Device(index int) (Device, error)
}

// Device is the per-device subset of NVML. Power values are milliwatts.
type Device interface {
	Name() (string, error)
	Temperature() (uint32, error)
	PowerUsage() (uint32, error)
	PowerLimit() (uint32, error)
	PowerLimitConstraints() (minLimit, maxLimit uint32, err error)
	MemoryInfo() (used, total uint64, err error)
	Utilization() (gpu, memory uint32, err error)
	FanSpeed() (uint32, error)
	Clocks() (graphics, memory uint32, err error)
	PCIInfo() (model.PCIInfo, error)

	SetPowerLimit(milliwatts uint32) error
	SetPersistenceMode(enabled bool) error
	SetAutoBoost(enabled bool) error
}

// NewLibrary returns a Library backed by the system libnvml.
func NewLibrary() Library { return nvmlLibrary{} }

type nvmlLibrary struct{}

func (nvmlLibrary) Init() error {
	ret := nvml.Init()
	switch ret {
	case nvml.SUCCESS:
		return nil
	case nvml.ERROR_LIBRARY_NOT_FOUND, nvml.ERROR_DRIVER_NOT_LOADED:
		return fmt.Errorf("%w: %s", ErrLibraryUnavailable, ret.Error())
	}
	return retErr("init", ret)
}

func (nvmlLibrary) Shutdown() error {
	return retErr("shutdown", nvml.Shutdown())
}

func (nvmlLibrary) DeviceCount() (int, error) {
	n, ret := nvml.DeviceGetCount()
	return n, retErr("device count", ret)
}

func (nvmlLibrary) DriverVersion() (string, error) {
	v, ret := nvml.SystemGetDriverVersion()
	return v, retErr("driver version", ret)
}

func (nvmlLibrary) Device(index int) (Device, error) {
	h, ret := nvml.DeviceGetHandleByIndex(index)
	if err := retErr("device handle", ret); err != nil {
		return nil, err
	}
	return nvmlDevice{h: h}, nil
}

type nvmlDevice struct {
	h nvml.Device
}

func (d nvmlDevice) Name() (string, error) {
	v, ret := d.h.GetName()
	return v, retErr("name", ret)
}

func (d nvmlDevice) Temperature() (uint32, error) {
	v, ret := d.h.GetTemperature(nvml.TEMPERATURE_GPU)
	return v, retErr("temperature", ret)
}

func (d nvmlDevice) PowerUsage() (uint32, error) {
	v, ret := d.h.GetPowerUsage()
	return v, retErr("power usage", ret)
}

func (d nvmlDevice) PowerLimit() (uint32, error) {
	v, ret := d.h.GetPowerManagementLimit()
	return v, retErr("power limit", ret)
}

func (d nvmlDevice) PowerLimitConstraints() (uint32, uint32, error) {
	lo, hi, ret := d.h.GetPowerManagementLimitConstraints()
	return lo, hi, retErr("power limit constraints", ret)
}

func (d nvmlDevice) MemoryInfo() (uint64, uint64, error) {
	m, ret := d.h.GetMemoryInfo()
	return m.Used, m.Total, retErr("memory info", ret)
}

func (d nvmlDevice) Utilization() (uint32, uint32, error) {
	u, ret := d.h.GetUtilizationRates()
	return u.Gpu, u.Memory, retErr("utilization", ret)
}

func (d nvmlDevice) FanSpeed() (uint32, error) {
	v, ret := d.h.GetFanSpeed()
	return v, retErr("fan speed", ret)
}

func (d nvmlDevice) Clocks() (uint32, uint32, error) {
	g, ret := d.h.GetClockInfo(nvml.CLOCK_GRAPHICS)
	if err := retErr("graphics clock", ret); err != nil {
		return 0, 0, err
	}
	m, ret := d.h.GetClockInfo(nvml.CLOCK_MEM)
	return g, m, retErr("memory clock", ret)
}

func (d nvmlDevice) PCIInfo() (model.PCIInfo, error) {
	p, ret := d.h.GetPciInfo()
	if err := retErr("pci info", ret); err != nil {
		return model.PCIInfo{}, err
	}
	// PciDeviceId packs the device id in the upper 16 bits and the vendor
	// id in the lower 16.
	return model.PCIInfo{
		Domain:   uint16(p.Domain),
		Bus:      uint8(p.Bus),
		Device:   uint8(p.Device),
		VendorID: uint16(p.PciDeviceId & 0xFFFF),
		DeviceID: uint16(p.PciDeviceId >> 16),
	}, nil
}

func (d nvmlDevice) SetPowerLimit(milliwatts uint32) error {
	return retErr("set power limit", d.h.SetPowerManagementLimit(milliwatts))
}

func (d nvmlDevice) SetPersistenceMode(enabled bool) error {
	return retErr("set persistence mode", d.h.SetPersistenceMode(enableState(enabled)))
}

func (d nvmlDevice) SetAutoBoost(enabled bool) error {
	return retErr("set auto boost", d.h.SetAutoBoostedClocksEnabled(enableState(enabled)))
}

func enableState(enabled bool) nvml.EnableState {
	if enabled {
		return nvml.FEATURE_ENABLED
	}
	return nvml.FEATURE_DISABLED
}

func retErr(op string, ret nvml.Return) error {
	switch ret {
	case nvml.SUCCESS:
		return nil
	case nvml.ERROR_NOT_SUPPORTED:
		return fmt.Errorf("%s: %w", op, ErrUnsupported)
	}
	return fmt.Errorf("nvml %s: %s", op, ret.Error())
}
