package nvidia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// --- fakes ---

type fakeDevice struct {
	mu sync.Mutex

	name        string
	temp        uint32
	powerMW     uint32
	limitMW     uint32
	minMW       uint32
	maxMW       uint32
	used, total uint64
	utilGPU     uint32
	utilMem     uint32
	fan         *uint32
	pci         model.PCIInfo

	nameErr     error
	autoBoostEr error

	persistence *bool
	autoBoost   *bool
	setLimits   []uint32
}

func (d *fakeDevice) Name() (string, error)       { return d.name, d.nameErr }
func (d *fakeDevice) Temperature() (uint32, error) { return d.temp, nil }
func (d *fakeDevice) PowerUsage() (uint32, error)  { return d.powerMW, nil }
func (d *fakeDevice) PowerLimit() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limitMW, nil
}
func (d *fakeDevice) PowerLimitConstraints() (uint32, uint32, error) { return d.minMW, d.maxMW, nil }
func (d *fakeDevice) MemoryInfo() (uint64, uint64, error)           { return d.used, d.total, nil }
func (d *fakeDevice) Utilization() (uint32, uint32, error)          { return d.utilGPU, d.utilMem, nil }
func (d *fakeDevice) FanSpeed() (uint32, error) {
	if d.fan == nil {
		return 0, fmt.Errorf("fan speed: %w", ErrUnsupported)
	}
	return *d.fan, nil
}
func (d *fakeDevice) Clocks() (uint32, uint32, error)   { return 2520, 10501, nil }
func (d *fakeDevice) PCIInfo() (model.PCIInfo, error) { return d.pci, nil }

func (d *fakeDevice) SetPowerLimit(mw uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limitMW = mw
	d.setLimits = append(d.setLimits, mw)
	return nil
}

func (d *fakeDevice) SetPersistenceMode(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.persistence = &enabled
	return nil
}

func (d *fakeDevice) SetAutoBoost(enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.autoBoostEr != nil {
		return d.autoBoostEr
	}
	d.autoBoost = &enabled
	return nil
}

type fakeLibrary struct {
	initErr error
	devices []*fakeDevice
	driver  string
	shut    bool
}

func (l *fakeLibrary) Init() error     { return l.initErr }
func (l *fakeLibrary) Shutdown() error { l.shut = true; return nil }
func (l *fakeLibrary) DeviceCount() (int, error) {
	return len(l.devices), nil
}
func (l *fakeLibrary) DriverVersion() (string, error) { return l.driver, nil }
func (l *fakeLibrary) Device(i int) (Device, error) {
	if i < 0 || i >= len(l.devices) {
		return nil, errors.New("invalid index")
	}
	return l.devices[i], nil
}

func rtx4090() *fakeDevice {
	return &fakeDevice{
		name:    "NVIDIA GeForce RTX 4090",
		temp:    75,
		powerMW: 350_500,
		limitMW: 450_000,
		minMW:   150_000,
		maxMW:   450_000,
		used:    4 << 30,
		total:   24 << 30,
		utilGPU: 85,
		utilMem: 40,
		fan:     ptr.To[uint32](60),
		pci:     model.PCIInfo{Bus: 1, VendorID: model.PCIVendorNVIDIA, DeviceID: 0x2684},
	}
}

func newDetected(t *testing.T, devs ...*fakeDevice) (*Backend, *fakeLibrary) {
	t.Helper()
	lib := &fakeLibrary{devices: devs, driver: "550.54.14"}
	b := New(lib)
	require.NoError(t, b.Init(context.Background()))
	_, err := b.DetectGPUs(context.Background())
	require.NoError(t, err)
	return b, lib
}

// --- tests ---

func TestInit_LibraryUnavailable(t *testing.T) {
	b := New(&fakeLibrary{initErr: fmt.Errorf("%w: not found", ErrLibraryUnavailable)})
	err := b.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, agenterrors.ErrBackendNotAvailable, agenterrors.CodeOf(err))
	assert.True(t, agenterrors.IsNotFound(err))

	// Shutdown after a failed init must not touch the library.
	assert.NoError(t, b.Shutdown(context.Background()))
}

func TestDetectGPUs_ConvertsUnits(t *testing.T) {
	b, _ := newDetected(t, rtx4090())

	statuses, err := b.GPUStatus(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, "NVIDIA GeForce RTX 4090", statuses.Name)
	assert.Equal(t, model.VendorNVIDIA, statuses.Vendor)
	assert.Equal(t, model.GPUTypeDiscrete, statuses.GPUType)
	assert.Equal(t, uint32(350), statuses.PowerDraw, "milliwatts truncate to watts")
	assert.Equal(t, uint32(450), statuses.PowerLimit)
	assert.Equal(t, uint64(4<<30), statuses.MemoryUsed)
	assert.Equal(t, uint32(60), *statuses.FanSpeed)
	assert.Equal(t, uint32(2520), statuses.ClockGraphics)
	assert.Equal(t, "550.54.14", *statuses.DriverVersion)
	assert.Equal(t, uint16(0x2684), statuses.PCIInfo.DeviceID)
	assert.Equal(t, model.PowerStateActive, statuses.PowerState)
}

func TestDetectGPUs_SkipsFailingDevice(t *testing.T) {
	broken := rtx4090()
	broken.nameErr = errors.New("gpu is lost")
	b, _ := newDetected(t, broken, rtx4090())

	assert.Equal(t, []int{1}, b.Indices())

	_, err := b.GPUStatus(context.Background(), 0)
	assert.True(t, agenterrors.IsNotFound(err))
}

func TestDetectGPUs_NoFan(t *testing.T) {
	dev := rtx4090()
	dev.fan = nil
	b, _ := newDetected(t, dev)

	s, err := b.GPUStatus(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, s.FanSpeed)
}

func TestApplyConfig_PowerModes(t *testing.T) {
	tests := []struct {
		mode        model.PowerMode
		util        uint32
		wantLimitMW uint32
		wantBoost   *bool
		wantPersist *bool
	}{
		{model.PowerModeMaxPerformance, 50, 450_000, ptr.To(true), ptr.To(true)},
		{model.PowerModeBalanced, 50, 405_000, nil, nil},
		{model.PowerModePowerSaver, 50, 315_000, ptr.To(false), nil},
		{model.PowerModeAuto, 95, 450_000, ptr.To(true), ptr.To(true)},
		{model.PowerModeAuto, 50, 405_000, nil, nil},
		{model.PowerModeAuto, 5, 315_000, ptr.To(false), nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/util=%d", tt.mode, tt.util), func(t *testing.T) {
			dev := rtx4090()
			dev.utilGPU = tt.util
			b, _ := newDetected(t, dev)

			require.NoError(t, b.ApplyConfig(context.Background(), 0, model.GPUConfig{PowerMode: tt.mode}))
			assert.Equal(t, tt.wantLimitMW, dev.limitMW)
			assert.Equal(t, tt.wantBoost, dev.autoBoost)
			assert.Equal(t, tt.wantPersist, dev.persistence)
		})
	}
}

func TestApplyConfig_CustomOnlyExplicitLimit(t *testing.T) {
	dev := rtx4090()
	b, _ := newDetected(t, dev)

	require.NoError(t, b.ApplyConfig(context.Background(), 0, model.GPUConfig{
		PowerMode:  model.PowerModeCustom,
		PowerLimit: ptr.To[uint32](300),
	}))
	assert.Equal(t, []uint32{300_000}, dev.setLimits)
	assert.Nil(t, dev.autoBoost)
}

func TestApplyConfig_FanCurveNotSupported(t *testing.T) {
	dev := rtx4090()
	b, _ := newDetected(t, dev)

	curve := model.AggressiveFanCurve()
	err := b.ApplyConfig(context.Background(), 0, model.GPUConfig{
		PowerMode: model.PowerModeBalanced,
		FanCurve:  &curve,
	})
	require.Error(t, err)
	assert.True(t, agenterrors.IsUnsupported(err))
	// Earlier steps are not rolled back.
	assert.Equal(t, uint32(405_000), dev.limitMW)

	assert.True(t, agenterrors.IsUnsupported(b.SetFanCurve(context.Background(), 0, curve)))
}

func TestApplyConfig_UnsupportedAutoBoostTolerated(t *testing.T) {
	dev := rtx4090()
	dev.autoBoostEr = fmt.Errorf("set auto boost: %w", ErrUnsupported)
	b, _ := newDetected(t, dev)

	assert.NoError(t, b.ApplyConfig(context.Background(), 0, model.PowerSaverConfig()))
	assert.Equal(t, uint32(315_000), dev.limitMW)
}

func TestApplyConfig_UnknownIndex(t *testing.T) {
	dev := rtx4090()
	b, _ := newDetected(t, dev)

	err := b.ApplyConfig(context.Background(), 7, model.MaxPerformanceConfig())
	require.Error(t, err)
	assert.Equal(t, agenterrors.ErrGPUNotFound, agenterrors.CodeOf(err))
	assert.Empty(t, dev.setLimits, "no mutation on unknown index")
}

func TestSetPowerLimit_OutOfRange(t *testing.T) {
	dev := rtx4090()
	b, _ := newDetected(t, dev)

	err := b.SetPowerLimit(context.Background(), 0, 600)
	require.Error(t, err)
	assert.Equal(t, agenterrors.ErrInvalidConfig, agenterrors.CodeOf(err))

	require.NoError(t, b.SetPowerLimit(context.Background(), 0, 250))
	assert.Equal(t, uint32(250_000), dev.limitMW)
}

func TestResetGPU(t *testing.T) {
	dev := rtx4090()
	dev.limitMW = 200_000
	b, _ := newDetected(t, dev)

	require.NoError(t, b.ResetGPU(context.Background(), 0))
	assert.Equal(t, uint32(450_000), dev.limitMW)
	assert.Equal(t, ptr.To(true), dev.autoBoost)
	assert.Equal(t, ptr.To(false), dev.persistence)
}

func TestSwitching(t *testing.T) {
	b, _ := newDetected(t, rtx4090(), rtx4090())
	assert.True(t, b.SupportsGPUSwitching())
	err := b.SwitchGPU(context.Background(), 0, 1)
	assert.True(t, agenterrors.IsUnsupported(err))
	assert.Contains(t, err.Error(), "NVML")
}

func TestShutdown(t *testing.T) {
	b, lib := newDetected(t, rtx4090())
	require.NoError(t, b.Shutdown(context.Background()))
	assert.True(t, lib.shut)
	assert.Empty(t, b.Indices())
}
