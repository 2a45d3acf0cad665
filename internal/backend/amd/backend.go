// Package amd implements the AMD GPU backend over the amdgpu sysfs interface:
// /sys/class/drm/cardN/device attributes plus the card's hwmon directory.
package amd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/procfs/sysfs"
	"golang.org/x/sync/errgroup"

	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/backend"
	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

const component = "backend.amd"

// Fallbacks for attributes some boards or kernels do not expose.
const (
	fallbackTemperature = 50
	fallbackPowerLimitW = 300
	fallbackVRAMTotal   = 8 << 30
	fallbackClockMHz    = 1000
	// Boards capped below this are treated as APUs.
	integratedPowerLimitW = 75
)

// Options configures the AMD backend.
type Options struct {
	// SysfsRoot is the sysfs mount point, normally /sys.
	SysfsRoot string
	// IOConcurrency bounds in-flight sysfs operations.
	IOConcurrency int
	// IOTimeout bounds a single offloaded sysfs operation.
	IOTimeout time.Duration
}

// card is a registered amdgpu device. Only paths are kept; attributes are
// re-read on every call.
type card struct {
	name       string
	devicePath string
	hwmonPath  string
}

// Backend drives AMD devices through sysfs.
type Backend struct {
	root string
	pool *ioPool

	mu    sync.RWMutex
	fs    *sysfs.FS
	cards []card
}

var _ backend.Backend = (*Backend)(nil)

// New creates an AMD backend.
func New(opts Options) *Backend {
	if opts.SysfsRoot == "" {
		opts.SysfsRoot = "/sys"
	}
	return &Backend{
		root: opts.SysfsRoot,
		pool: newIOPool(opts.IOConcurrency, opts.IOTimeout),
	}
}

// Vendor returns model.VendorAMD.
func (b *Backend) Vendor() model.Vendor { return model.VendorAMD }

// Init checks that at least one amdgpu card with a hwmon node exists.
func (b *Backend) Init(ctx context.Context) error {
	cards, err := offload(ctx, b.pool, "enumerate cards", b.scanCards)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		return agenterrors.BackendNotAvailable(component, string(model.VendorAMD))
	}

	// procfs only enriches readings; the backend works without it.
	var fsp *sysfs.FS
	if fs, err := sysfs.NewFS(b.root); err == nil {
		fsp = &fs
	} else {
		slog.Debug("amd: procfs sysfs unavailable", "root", b.root, "error", err)
	}

	b.mu.Lock()
	b.fs = fsp
	b.mu.Unlock()
	return nil
}

// Shutdown drops the registry.
func (b *Backend) Shutdown(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cards = nil
	return nil
}

// DetectGPUs scans the DRM class directory and reads every card in parallel.
// Cards whose status cannot be read are logged and omitted.
func (b *Backend) DetectGPUs(ctx context.Context) ([]model.GPUStatus, error) {
	cards, err := offload(ctx, b.pool, "enumerate cards", b.scanCards)
	if err != nil {
		return nil, err
	}
	stats := b.cardStats(ctx)
	driver := b.driverVersion(ctx)

	statuses := make([]*model.GPUStatus, len(cards))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cards {
		g.Go(func() error {
			s, err := offload(gctx, b.pool, "read "+c.name, func() (model.GPUStatus, error) {
				return readStatus(c, stats[c.name], driver)
			})
			if err != nil {
				slog.Warn("amd: skipping card", "card", c.name, "error", err)
				return nil
			}
			statuses[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	registered := make([]card, 0, len(cards))
	out := make([]model.GPUStatus, 0, len(cards))
	for i, s := range statuses {
		if s == nil {
			continue
		}
		s.Index = len(out)
		out = append(out, *s)
		registered = append(registered, cards[i])
	}

	b.mu.Lock()
	b.cards = registered
	b.mu.Unlock()

	slog.Debug("amd: detection complete", "gpu_count", len(out))
	return out, nil
}

// GPUStatus reads the live status of a registered card.
func (b *Backend) GPUStatus(ctx context.Context, index int) (model.GPUStatus, error) {
	c, err := b.card(index)
	if err != nil {
		return model.GPUStatus{}, err
	}
	stats := b.cardStats(ctx)
	driver := b.driverVersion(ctx)
	s, err := offload(ctx, b.pool, "read "+c.name, func() (model.GPUStatus, error) {
		return readStatus(c, stats[c.name], driver)
	})
	if err != nil {
		return model.GPUStatus{}, err
	}
	s.Index = index
	return s, nil
}

// ApplyConfig sets the DPM performance level for the mode, the mode's power
// cap when the board exposes its maximum, then the explicit limit and fan curve.
func (b *Backend) ApplyConfig(ctx context.Context, index int, cfg model.GPUConfig) error {
	c, err := b.card(index)
	if err != nil {
		return err
	}

	mode := cfg.PowerMode
	if mode == model.PowerModeAuto {
		util, err := offload(ctx, b.pool, "read gpu_busy_percent", func() (uint64, error) {
			return readUint(filepath.Join(c.devicePath, "gpu_busy_percent"))
		})
		if err != nil {
			return agenterrors.IO(component, err, "read utilization for auto mode")
		}
		mode = backend.ResolveAutoMode(mode, uint32(util))
		slog.Debug("amd: resolved auto power mode", "card", c.name, "utilization", util, "mode", mode)
	}

	err = offloadErr(ctx, b.pool, "set performance level", func() error {
		return writeString(filepath.Join(c.devicePath, "power_dpm_force_performance_level"), performanceLevel(mode))
	})
	if err != nil {
		return err
	}

	if err := b.applyModeCap(ctx, c, mode); err != nil {
		return err
	}

	if cfg.PowerLimit != nil {
		if err := b.writePowerCap(ctx, c, *cfg.PowerLimit); err != nil {
			return err
		}
	}

	if cfg.FanCurve != nil {
		if err := b.applyFanCurve(ctx, c, *cfg.FanCurve); err != nil {
			return err
		}
	}

	if cfg.MemoryClockOffset != nil || cfg.GPUClockOffset != nil {
		slog.Warn("amd: clock offsets are not applied by this backend",
			"card", c.name, "memory_offset", cfg.MemoryClockOffset, "gpu_offset", cfg.GPUClockOffset)
	}
	return nil
}

// SetPowerLimit writes power1_cap.
func (b *Backend) SetPowerLimit(ctx context.Context, index int, watts uint32) error {
	c, err := b.card(index)
	if err != nil {
		return err
	}
	return b.writePowerCap(ctx, c, watts)
}

// SetFanCurve switches the fan to manual and applies the curve at the
// card's current temperature.
func (b *Backend) SetFanCurve(ctx context.Context, index int, curve model.FanCurve) error {
	c, err := b.card(index)
	if err != nil {
		return err
	}
	return b.applyFanCurve(ctx, c, curve)
}

// ResetGPU restores automatic DPM and automatic fan control.
func (b *Backend) ResetGPU(ctx context.Context, index int) error {
	c, err := b.card(index)
	if err != nil {
		return err
	}
	return offloadErr(ctx, b.pool, "reset "+c.name, func() error {
		if err := writeString(filepath.Join(c.devicePath, "power_dpm_force_performance_level"), "auto"); err != nil {
			return err
		}
		return writeString(filepath.Join(c.hwmonPath, "pwm1_enable"), "2")
	})
}

// SupportsGPUSwitching reports true: hybrid AMD laptops expose switchable
// graphics. The switch itself is handled by the platform, so SwitchGPU
// still fails.
func (b *Backend) SupportsGPUSwitching() bool { return true }

// SwitchGPU fails with OPERATION_NOT_SUPPORTED.
func (b *Backend) SwitchGPU(_ context.Context, _, _ int) error {
	return agenterrors.NotSupported(component, "GPU switching")
}

func (b *Backend) applyModeCap(ctx context.Context, c card, mode model.PowerMode) error {
	if _, ok := backend.TargetPowerLimit(mode, 0); !ok {
		return nil
	}
	maxCap, err := offload(ctx, b.pool, "read power1_cap_max", func() (uint64, error) {
		return readUint(filepath.Join(c.hwmonPath, "power1_cap_max"))
	})
	if err != nil {
		slog.Debug("amd: power1_cap_max unavailable, leaving cap unchanged", "card", c.name, "error", err)
		return nil
	}
	limit, _ := backend.TargetPowerLimit(mode, uint32(maxCap/1_000_000))
	return b.writePowerCap(ctx, c, limit)
}

func (b *Backend) writePowerCap(ctx context.Context, c card, watts uint32) error {
	err := offloadErr(ctx, b.pool, "set power cap", func() error {
		return writeString(filepath.Join(c.hwmonPath, "power1_cap"), strconv.FormatUint(uint64(watts)*1_000_000, 10))
	})
	if err != nil {
		return agenterrors.Power(component, err, "set power limit %dW on %s", watts, c.name)
	}
	return nil
}

func (b *Backend) applyFanCurve(ctx context.Context, c card, curve model.FanCurve) error {
	return offloadErr(ctx, b.pool, "set fan curve", func() error {
		temp := readTemperature(c.hwmonPath)
		speed := curve.CalculateFanSpeed(temp)
		if err := writeString(filepath.Join(c.hwmonPath, "pwm1_enable"), "1"); err != nil {
			return err
		}
		pwm := speed * 255 / 100
		slog.Debug("amd: applying fan curve", "card", c.name, "temperature", temp, "speed", speed, "pwm", pwm)
		return writeString(filepath.Join(c.hwmonPath, "pwm1"), strconv.FormatUint(uint64(pwm), 10))
	})
}

// scanCards lists amdgpu card nodes that have a hwmon directory, sorted by
// card number.
func (b *Backend) scanCards() ([]card, error) {
	drm := filepath.Join(b.root, "class", "drm")
	entries, err := os.ReadDir(drm)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agenterrors.IO(component, err, "read %s", drm)
	}

	var cards []card
	for _, e := range entries {
		if !isCardNode(e.Name()) {
			continue
		}
		devicePath := filepath.Join(drm, e.Name(), "device")
		vendor, err := readHex(filepath.Join(devicePath, "vendor"))
		if err != nil || uint16(vendor) != model.PCIVendorAMD {
			continue
		}
		hwmon, ok := findHwmon(devicePath)
		if !ok {
			slog.Warn("amd: card has no hwmon directory", "card", e.Name())
			continue
		}
		cards = append(cards, card{name: e.Name(), devicePath: devicePath, hwmonPath: hwmon})
	}

	sort.Slice(cards, func(i, j int) bool {
		a, _ := strconv.Atoi(cards[i].name[len("card"):])
		c, _ := strconv.Atoi(cards[j].name[len("card"):])
		return a < c
	})
	return cards, nil
}

// cardStats reads the procfs amdgpu stats keyed by card name. Failure leaves
// readStatus on its direct reads.
func (b *Backend) cardStats(ctx context.Context) map[string]sysfs.ClassDRMCardAMDGPUStats {
	b.mu.RLock()
	fs := b.fs
	b.mu.RUnlock()
	if fs == nil {
		return nil
	}

	stats, err := offload(ctx, b.pool, "amdgpu stats", fs.ClassDRMCardAMDGPUStats)
	if err != nil {
		slog.Debug("amd: procfs card stats unavailable", "error", err)
		return nil
	}
	out := make(map[string]sysfs.ClassDRMCardAMDGPUStats, len(stats))
	for _, s := range stats {
		out[s.Name] = s
	}
	return out
}

func (b *Backend) driverVersion(ctx context.Context) *string {
	v, err := offload(ctx, b.pool, "driver version", func() (string, error) {
		return readString(filepath.Join(b.root, "module", "amdgpu", "version"))
	})
	if err != nil || v == "" {
		return nil
	}
	return &v
}

func (b *Backend) card(index int) (card, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index < 0 || index >= len(b.cards) {
		return card{}, agenterrors.GPUNotFound(component, index)
	}
	return b.cards[index], nil
}

// readStatus reads one card. stats is the procfs view of the card, zero
// when unavailable.
func readStatus(c card, stats sysfs.ClassDRMCardAMDGPUStats, driver *string) (model.GPUStatus, error) {
	ueventData, err := readString(filepath.Join(c.devicePath, "uevent"))
	if err != nil {
		return model.GPUStatus{}, agenterrors.IO(component, err, "read uevent of %s", c.name)
	}
	uevent := parseUevent(ueventData)

	name, err := readString(filepath.Join(c.devicePath, "product_name"))
	if err != nil || name == "" {
		name = "AMD GPU"
		if id := uevent["PCI_ID"]; id != "" {
			name = fmt.Sprintf("AMD GPU %s", id)
		}
	}

	pci, err := parsePCISlot(uevent["PCI_SLOT_NAME"])
	if err != nil {
		slog.Debug("amd: no pci slot in uevent", "card", c.name, "error", err)
	}
	pci.VendorID = model.PCIVendorAMD
	if id, err := readHex(filepath.Join(c.devicePath, "device")); err == nil {
		pci.DeviceID = uint16(id)
	}

	util := uint32(stats.GPUBusyPercent)
	if stats.Name == "" {
		if v, err := readUint(filepath.Join(c.devicePath, "gpu_busy_percent")); err == nil {
			util = uint32(v)
		}
	}
	var memUtil uint32
	if v, err := readUint(filepath.Join(c.devicePath, "mem_busy_percent")); err == nil {
		memUtil = uint32(v)
	}

	vramTotal, vramUsed := stats.MemoryVRAMSize, stats.MemoryVRAMUsed
	if vramTotal == 0 {
		vramTotal, err = readUint(filepath.Join(c.devicePath, "mem_info_vram_total"))
		if err != nil || vramTotal == 0 {
			vramTotal = fallbackVRAMTotal
		}
		vramUsed, _ = readUint(filepath.Join(c.devicePath, "mem_info_vram_used"))
	}

	powerLimit := uint32(fallbackPowerLimitW)
	if v, err := readUint(filepath.Join(c.hwmonPath, "power1_cap")); err == nil {
		powerLimit = uint32(v / 1_000_000)
	}

	gpuType := model.GPUTypeDiscrete
	if powerLimit < integratedPowerLimitW {
		gpuType = model.GPUTypeIntegrated
	}

	var fan *uint32
	if v, err := readUint(filepath.Join(c.hwmonPath, "pwm1")); err == nil {
		pct := uint32(v * 100 / 255)
		fan = &pct
	}

	return model.GPUStatus{
		Name:              name,
		Vendor:            model.VendorAMD,
		GPUType:           gpuType,
		Temperature:       readTemperature(c.hwmonPath),
		PowerDraw:         readPowerDraw(c.hwmonPath),
		PowerLimit:        powerLimit,
		MemoryUsed:        min(vramUsed, vramTotal),
		MemoryTotal:       vramTotal,
		UtilizationGPU:    util,
		UtilizationMemory: memUtil,
		FanSpeed:          fan,
		ClockGraphics:     readClock(filepath.Join(c.devicePath, "pp_dpm_sclk")),
		ClockMemory:       readClock(filepath.Join(c.devicePath, "pp_dpm_mclk")),
		DriverVersion:     driver,
		PCIInfo:           pci,
		PowerState:        model.DerivePowerState(util),
	}, nil
}

// readTemperature returns the first readable temp*_input (edge, junction,
// mem) in °C.
func readTemperature(hwmon string) uint32 {
	for i := 1; i <= 3; i++ {
		if v, err := readUint(filepath.Join(hwmon, fmt.Sprintf("temp%d_input", i))); err == nil {
			return uint32(v / 1000)
		}
	}
	return fallbackTemperature
}

// readPowerDraw returns power in watts. Newer kernels expose power1_input,
// older ones only power1_average.
func readPowerDraw(hwmon string) uint32 {
	for _, f := range []string{"power1_input", "power1_average"} {
		if v, err := readUint(filepath.Join(hwmon, f)); err == nil {
			return uint32(v / 1_000_000)
		}
	}
	return 0
}

func readClock(path string) uint32 {
	data, err := readString(path)
	if err != nil {
		return fallbackClockMHz
	}
	if v, ok := parseDPMClock(data); ok {
		return v
	}
	return fallbackClockMHz
}
