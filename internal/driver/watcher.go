// Package driver watches loaded kernel driver versions and reports changes.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

const component = "driver"

// Modules maps each vendor to the kernel module whose version it reports.
var Modules = []struct {
	Vendor model.Vendor
	Module string
}{
	{model.VendorNVIDIA, "nvidia"},
	{model.VendorAMD, "amdgpu"},
}

// Publisher receives DriverUpdated events.
type Publisher interface {
	Publish(ev model.GPUEvent) error
}

// DeviceLister returns the currently known devices.
type DeviceLister func() []model.GPUStatus

// Options configures a Watcher.
type Options struct {
	// SysfsRoot is the root of the kernel virtual filesystem, usually /sys.
	SysfsRoot string
	// Devices lists devices so events can name the affected GPUs. Optional.
	Devices DeviceLister
	// Publisher receives one DriverUpdated event per affected device. Optional.
	Publisher Publisher
	Clock     clock.PassiveClock
}

// Watcher compares module versions against the last observed values.
type Watcher struct {
	root      string
	devices   DeviceLister
	publisher Publisher
	clock     clock.PassiveClock

	mu    sync.Mutex
	known map[model.Vendor]string

	started  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a Watcher. The first UpdateDrivers call records a
// baseline and reports nothing.
func NewWatcher(opts Options) *Watcher {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	root := opts.SysfsRoot
	if root == "" {
		root = "/sys"
	}
	return &Watcher{
		root:      root,
		devices:   opts.Devices,
		publisher: opts.Publisher,
		clock:     clk,
		known:     make(map[model.Vendor]string),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Versions reads the currently loaded module versions. Vendors whose
// module is not loaded are absent.
func (w *Watcher) Versions() map[model.Vendor]string {
	out := make(map[model.Vendor]string, len(Modules))
	for _, m := range Modules {
		if v, ok := w.readVersion(m.Module); ok {
			out[m.Vendor] = v
		}
	}
	return out
}

func (w *Watcher) readVersion(module string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(w.root, "module", module, "version"))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(data))
	return v, v != ""
}

// UpdateDrivers re-reads module versions and returns one
// "VENDOR: old -> new" line per changed version. A module that disappears
// keeps its last known version.
func (w *Watcher) UpdateDrivers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, agenterrors.Timeout(component, "update drivers", err)
	}

	current := w.Versions()
	now := w.clock.Now().Unix()

	w.mu.Lock()
	type change struct {
		vendor   model.Vendor
		from, to string
	}
	var changes []change
	for _, m := range Modules {
		v, ok := current[m.Vendor]
		if !ok {
			continue
		}
		prev, seen := w.known[m.Vendor]
		w.known[m.Vendor] = v
		if seen && prev != v {
			changes = append(changes, change{m.Vendor, prev, v})
		}
	}
	w.mu.Unlock()

	lines := make([]string, 0, len(changes))
	for _, c := range changes {
		lines = append(lines, fmt.Sprintf("%s: %s -> %s", c.vendor, c.from, c.to))
		slog.Info("driver: version changed", "vendor", c.vendor, "old", c.from, "new", c.to)
		w.notify(now, c.vendor, c.from, c.to)
	}
	return lines, nil
}

func (w *Watcher) notify(ts int64, vendor model.Vendor, oldVersion, newVersion string) {
	if w.publisher == nil || w.devices == nil {
		return
	}
	for _, d := range w.devices() {
		if d.Vendor != vendor {
			continue
		}
		if err := w.publisher.Publish(model.NewDriverUpdated(ts, d.Index, oldVersion, newVersion)); err != nil {
			slog.Debug("driver: update event not delivered", "gpu", d.Index, "error", err)
		}
	}
}

// Start polls for version changes every interval until Stop is called or
// ctx is cancelled.
func (w *Watcher) Start(ctx context.Context, interval time.Duration) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx, interval)
}

func (w *Watcher) run(ctx context.Context, interval time.Duration) {
	defer close(w.done)

	if _, err := w.UpdateDrivers(ctx); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.UpdateDrivers(ctx); err != nil {
				slog.Warn("driver: version check failed", "error", err)
			}
		}
	}
}

// Stop halts the polling goroutine started by Start and waits for it.
// Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	if w.started.Load() {
		<-w.done
	}
}
