package amd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

var dpmClockRe = regexp.MustCompile(`(\d+)Mhz`)

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(b)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

// readHex parses values such as "0x1002".
func readHex(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

// writeString writes a sysfs attribute. Permission failures keep their own
// code so operators can tell "needs root" from a broken device.
func writeString(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		if os.IsPermission(err) {
			return agenterrors.Wrap(agenterrors.ErrPermissionDenied, component, err, "write %s", filepath.Base(path))
		}
		return agenterrors.IO(component, err, "write %s", filepath.Base(path))
	}
	return nil
}

// parseDPMClock returns the active level of a pp_dpm_* table, marked with '*':
//
//	0: 500Mhz
//	1: 2482Mhz *
func parseDPMClock(data string) (uint32, bool) {
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, "*") {
			continue
		}
		m := dpmClockRe.FindStringSubmatch(line)
		if m == nil {
			return 0, false
		}
		v, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(v), true
	}
	return 0, false
}

// parseUevent reads KEY=VALUE lines.
func parseUevent(data string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

// parsePCISlot parses a PCI_SLOT_NAME such as "0000:03:00.0".
func parsePCISlot(slot string) (model.PCIInfo, error) {
	var domain, bus, dev, fn uint64
	if _, err := fmt.Sscanf(slot, "%x:%x:%x.%x", &domain, &bus, &dev, &fn); err != nil {
		return model.PCIInfo{}, fmt.Errorf("parse pci slot %q: %w", slot, err)
	}
	return model.PCIInfo{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Device:   uint8(dev),
		Function: uint8(fn),
	}, nil
}

// findHwmon returns the first hwmon directory under a card's device node.
func findHwmon(devicePath string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(devicePath, "hwmon", "hwmon*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// isCardNode accepts "card0" but not connectors ("card0-DP-1") or render nodes.
func isCardNode(name string) bool {
	if !strings.HasPrefix(name, "card") || strings.Contains(name, "-") {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(name, "card"))
	return err == nil
}

// performanceLevel maps a concrete power mode to power_dpm_force_performance_level.
func performanceLevel(mode model.PowerMode) string {
	switch mode {
	case model.PowerModeMaxPerformance:
		return "high"
	case model.PowerModePowerSaver:
		return "low"
	case model.PowerModeCustom:
		return "manual"
	}
	return "auto"
}
