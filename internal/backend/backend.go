// Package backend defines the vendor capability interface implemented by each
// GPU backend and the power-mode policy shared between them.
package backend

import (
	"context"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// Backend is implemented once per vendor. Device indices passed to and
// returned from a Backend are local to that backend and start at 0.
type Backend interface {
	// Vendor returns the vendor tag this backend serves.
	Vendor() model.Vendor
	// Init checks for hardware and driver availability. It returns a
	// not-found error when the vendor is absent.
	Init(ctx context.Context) error
	// Shutdown releases vendor resources. It is safe to call after a failed Init.
	Shutdown(ctx context.Context) error

	// DetectGPUs enumerates devices and replaces the backend's registry.
	// Devices whose status cannot be read are logged and omitted.
	DetectGPUs(ctx context.Context) ([]model.GPUStatus, error)
	// GPUStatus reads the live status of a registered device.
	GPUStatus(ctx context.Context, index int) (model.GPUStatus, error)

	// ApplyConfig applies power mode, explicit power limit, fan curve and
	// clock offsets in that order. Earlier steps are not rolled back when a
	// later one fails.
	ApplyConfig(ctx context.Context, index int, cfg model.GPUConfig) error
	SetPowerLimit(ctx context.Context, index int, watts uint32) error
	SetFanCurve(ctx context.Context, index int, curve model.FanCurve) error
	ResetGPU(ctx context.Context, index int) error

	SupportsGPUSwitching() bool
	SwitchGPU(ctx context.Context, from, to int) error
}

// Utilization bounds used to resolve PowerModeAuto.
const (
	autoHighUtilization = 80
	autoLowUtilization  = 20
)

// ResolveAutoMode picks a concrete mode from instantaneous GPU utilization.
// Non-Auto modes are returned unchanged.
func ResolveAutoMode(mode model.PowerMode, utilizationGPU uint32) model.PowerMode {
	if mode != model.PowerModeAuto {
		return mode
	}
	switch {
	case utilizationGPU > autoHighUtilization:
		return model.PowerModeMaxPerformance
	case utilizationGPU < autoLowUtilization:
		return model.PowerModePowerSaver
	default:
		return model.PowerModeBalanced
	}
}

// TargetPowerLimit returns the limit a mode implies for a device whose maximum
// constraint is maxLimit, in the same unit. ok is false for modes that do not
// imply a limit (Custom, and Auto which must be resolved first).
func TargetPowerLimit(mode model.PowerMode, maxLimit uint32) (limit uint32, ok bool) {
	switch mode {
	case model.PowerModeMaxPerformance:
		return maxLimit, true
	case model.PowerModeBalanced:
		return uint32(uint64(maxLimit) * 90 / 100), true
	case model.PowerModePowerSaver:
		return uint32(uint64(maxLimit) * 70 / 100), true
	}
	return 0, false
}
