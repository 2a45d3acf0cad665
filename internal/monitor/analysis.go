package monitor

import (
	"fmt"
	"math"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// Trend and anomaly parameters.
const (
	minTrendPoints   = 5
	trendThreshold   = 0.05
	minAnomalyPoints = 10

	spikeAboveAverage = 20
	spikeMinTemp      = 85
	spikeHighTemp     = 90
	spikeCriticalTemp = 95

	powerDropMinPoints = 20
	powerDropBaseline  = 10
	powerDropRecent    = 5
	powerDropRatio     = 0.5
	powerDropMinWatts  = 100

	stuckWindow = 10

	clockDriftMinPoints = 20
	clockDriftRatio     = 0.7
	clockDriftMinMHz    = 1000
)

// window returns the device's samples from the trailing number of minutes.
func (m *Monitor) window(index int, minutes uint32) []model.MetricsPoint {
	cutoff := m.clock.Now().Unix() - int64(minutes)*60

	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.history[index]
	if !ok {
		return nil
	}
	return r.since(cutoff)
}

// AnalyzePerformanceTrend aggregates the trailing period. It returns nil
// when the period holds no samples.
func (m *Monitor) AnalyzePerformanceTrend(index int, periodMinutes uint32) *model.PerformanceTrend {
	points := m.window(index, periodMinutes)
	if len(points) == 0 {
		return nil
	}

	agg := aggregate(points)
	return &model.PerformanceTrend{
		GPUIndex:           index,
		PeriodMinutes:      periodMinutes,
		AverageTemperature: agg.avgTemp,
		PeakTemperature:    agg.peakTemp,
		AverageUtilization: agg.avgUtil,
		PeakUtilization:    agg.peakUtil,
		AveragePower:       agg.avgPower,
		PeakPower:          agg.peakPower,
		EfficiencyScore:    agg.efficiency(),
		TrendDirection:     trendDirection(points),
	}
}

type aggregates struct {
	avgTemp, avgUtil, avgPower    float64
	peakTemp, peakUtil, peakPower uint32
}

func aggregate(points []model.MetricsPoint) aggregates {
	var a aggregates
	var sumTemp, sumUtil, sumPower float64
	for _, p := range points {
		sumTemp += float64(p.Temperature)
		sumUtil += float64(p.UtilizationGPU)
		sumPower += float64(p.PowerDraw)
		a.peakTemp = max(a.peakTemp, p.Temperature)
		a.peakUtil = max(a.peakUtil, p.UtilizationGPU)
		a.peakPower = max(a.peakPower, p.PowerDraw)
	}
	n := float64(len(points))
	a.avgTemp, a.avgUtil, a.avgPower = sumTemp/n, sumUtil/n, sumPower/n
	return a
}

func (a aggregates) efficiency() float64 {
	return model.Efficiency(a.avgUtil, a.avgTemp, a.avgPower)
}

// trendDirection compares the efficiency of the first and second halves.
func trendDirection(points []model.MetricsPoint) model.TrendDirection {
	if len(points) < minTrendPoints {
		return model.TrendUnknown
	}
	half := len(points) / 2
	diff := aggregate(points[half:]).efficiency() - aggregate(points[:half]).efficiency()
	switch {
	case diff > trendThreshold:
		return model.TrendImproving
	case diff < -trendThreshold:
		return model.TrendDegrading
	default:
		return model.TrendStable
	}
}

// DetectAnomalies runs every detector over the trailing lookback. Fewer
// than ten samples yield no findings.
func (m *Monitor) DetectAnomalies(index int, lookbackMinutes uint32) []model.Anomaly {
	points := m.window(index, lookbackMinutes)
	anomalies := []model.Anomaly{}
	if len(points) < minAnomalyPoints {
		return anomalies
	}

	now := m.clock.Now().Unix()
	for _, detect := range []func([]model.MetricsPoint) *model.Anomaly{
		temperatureSpike,
		powerDrop,
		utilizationStuck,
		clockDrift,
	} {
		if a := detect(points); a != nil {
			a.GPUIndex = index
			a.DetectedAt = now
			anomalies = append(anomalies, *a)
		}
	}
	return anomalies
}

func temperatureSpike(points []model.MetricsPoint) *model.Anomaly {
	var sum float64
	var peak uint32
	for _, p := range points {
		sum += float64(p.Temperature)
		peak = max(peak, p.Temperature)
	}
	avg := sum / float64(len(points))
	if float64(peak) <= avg+spikeAboveAverage || peak <= spikeMinTemp {
		return nil
	}

	severity := model.AnomalySeverityMedium
	switch {
	case peak > spikeCriticalTemp:
		severity = model.AnomalySeverityCritical
	case peak > spikeHighTemp:
		severity = model.AnomalySeverityHigh
	}
	return &model.Anomaly{
		Type:          model.AnomalyTemperatureSpike,
		Severity:      severity,
		Description:   fmt.Sprintf("Temperature spike detected: %d°C (avg: %.1f°C)", peak, avg),
		CurrentValue:  float64(peak),
		ExpectedRange: [2]float64{avg - 10, avg + 10},
	}
}

func powerDrop(points []model.MetricsPoint) *model.Anomaly {
	if len(points) < powerDropMinPoints {
		return nil
	}
	baseline := meanPower(points[:powerDropBaseline])
	recent := meanPower(points[len(points)-powerDropRecent:])
	if baseline <= powerDropMinWatts || recent >= baseline*powerDropRatio {
		return nil
	}
	return &model.Anomaly{
		Type:          model.AnomalyPowerDrop,
		Severity:      model.AnomalySeverityMedium,
		Description:   fmt.Sprintf("Power drop detected: %.1fW (expected: %.1fW)", recent, baseline),
		CurrentValue:  recent,
		ExpectedRange: [2]float64{baseline * 0.8, baseline * 1.2},
	}
}

func meanPower(points []model.MetricsPoint) float64 {
	var sum float64
	for _, p := range points {
		sum += float64(p.PowerDraw)
	}
	return sum / float64(len(points))
}

func utilizationStuck(points []model.MetricsPoint) *model.Anomaly {
	tail := points[len(points)-stuckWindow:]
	v := tail[0].UtilizationGPU
	if v != 0 && v != 100 {
		return nil
	}
	for _, p := range tail[1:] {
		if p.UtilizationGPU != v {
			return nil
		}
	}
	return &model.Anomaly{
		Type:          model.AnomalyUtilizationStuck,
		Severity:      model.AnomalySeverityMedium,
		Description:   fmt.Sprintf("GPU utilization stuck at %d%%", v),
		CurrentValue:  float64(v),
		ExpectedRange: [2]float64{10, 90},
	}
}

func clockDrift(points []model.MetricsPoint) *model.Anomaly {
	if len(points) < clockDriftMinPoints {
		return nil
	}
	var sum float64
	lowest := uint32(math.MaxUint32)
	for _, p := range points {
		sum += float64(p.ClockGraphics)
		lowest = min(lowest, p.ClockGraphics)
	}
	avg := sum / float64(len(points))
	if avg <= clockDriftMinMHz || float64(lowest) >= avg*clockDriftRatio {
		return nil
	}
	return &model.Anomaly{
		Type:          model.AnomalyClockDrift,
		Severity:      model.AnomalySeverityMedium,
		Description:   fmt.Sprintf("Clock drift detected: %.0fMHz (expected: %.0fMHz)", float64(lowest), avg),
		CurrentValue:  float64(lowest),
		ExpectedRange: [2]float64{avg * 0.9, avg * 1.1},
	}
}
