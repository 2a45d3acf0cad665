package model

import (
	"fmt"
	"math"
)

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// FormatBytes renders a byte count with binary units and two decimals.
func FormatBytes(bytes uint64) string {
	size := float64(bytes)
	unit := 0
	for size >= 1024 && unit < len(byteUnits)-1 {
		size /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", size, byteUnits[unit])
}

// Summary renders a one-line human-readable status.
func Summary(s GPUStatus) string {
	return fmt.Sprintf("%s: %d°C, %dW/%dW, GPU: %d%%, VRAM: %s/%s (%d%%)",
		s.Name,
		s.Temperature,
		s.PowerDraw,
		s.PowerLimit,
		s.UtilizationGPU,
		FormatBytes(s.MemoryUsed),
		FormatBytes(s.MemoryTotal),
		s.MemoryPercent(),
	)
}

// efficiencyPowerCeiling is the fixed wattage used to normalize power draw.
const efficiencyPowerCeiling = 300.0

// Efficiency averages three [0,1] components: utilization, thermal headroom
// against 100°C and power headroom against a fixed 300W ceiling.
func Efficiency(utilization, temperature, power float64) float64 {
	utilScore := clamp01(utilization / 100)
	thermalScore := (100 - math.Min(math.Max(temperature, 0), 100)) / 100
	powerScore := (efficiencyPowerCeiling - math.Min(math.Max(power, 0), efficiencyPowerCeiling)) / efficiencyPowerCeiling
	return (utilScore + thermalScore + powerScore) / 3
}

// EfficiencyScore computes Efficiency for a single status.
func EfficiencyScore(s GPUStatus) float64 {
	return Efficiency(float64(s.UtilizationGPU), float64(s.Temperature), float64(s.PowerDraw))
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
