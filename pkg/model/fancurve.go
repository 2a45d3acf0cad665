package model

import "fmt"

// defaultFanSpeed is returned for an empty curve.
const defaultFanSpeed = 50

// FanPoint is a single (temperature °C, speed %) control point.
type FanPoint struct {
	Temperature uint32 `json:"temperature" yaml:"temperature"`
	Speed       uint32 `json:"speed" yaml:"speed"`
}

// FanCurve maps temperature to fan speed by piecewise-linear interpolation.
// Points must be sorted ascending by temperature.
type FanCurve struct {
	Points []FanPoint `json:"points" yaml:"points"`
}

// NewFanCurve builds a curve from (temperature, speed) pairs.
func NewFanCurve(pairs ...[2]uint32) FanCurve {
	points := make([]FanPoint, 0, len(pairs))
	for _, p := range pairs {
		points = append(points, FanPoint{Temperature: p[0], Speed: p[1]})
	}
	return FanCurve{Points: points}
}

// AggressiveFanCurve ramps early and reaches full speed at 85°C.
func AggressiveFanCurve() FanCurve {
	return NewFanCurve([2]uint32{30, 20}, [2]uint32{50, 40}, [2]uint32{70, 60}, [2]uint32{85, 100})
}

// QuietFanCurve keeps fans off until 40°C.
func QuietFanCurve() FanCurve {
	return NewFanCurve([2]uint32{40, 0}, [2]uint32{60, 30}, [2]uint32{80, 70}, [2]uint32{90, 100})
}

// CalculateFanSpeed returns the fan speed percentage for temperature.
// Values below the first point clamp to its speed, values above the last
// point clamp to the last speed. An empty curve yields 50.
func (c FanCurve) CalculateFanSpeed(temperature uint32) uint32 {
	if len(c.Points) == 0 {
		return defaultFanSpeed
	}

	first := c.Points[0]
	if temperature <= first.Temperature {
		return first.Speed
	}

	for i := 0; i < len(c.Points)-1; i++ {
		p1, p2 := c.Points[i], c.Points[i+1]
		if temperature >= p1.Temperature && temperature <= p2.Temperature {
			if p2.Temperature == p1.Temperature {
				return p2.Speed
			}
			ratio := float64(temperature-p1.Temperature) / float64(p2.Temperature-p1.Temperature)
			speed := float64(p1.Speed) + (float64(p2.Speed)-float64(p1.Speed))*ratio
			return uint32(speed)
		}
	}

	return c.Points[len(c.Points)-1].Speed
}

// Validate checks ordering and speed bounds.
func (c FanCurve) Validate() error {
	for i, p := range c.Points {
		if p.Speed > 100 {
			return fmt.Errorf("fan curve point %d: speed %d out of range [0,100]", i, p.Speed)
		}
		if i > 0 && p.Temperature < c.Points[i-1].Temperature {
			return fmt.Errorf("fan curve point %d: temperature %d not ascending", i, p.Temperature)
		}
	}
	return nil
}
