package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

func TestTargetPowerLimit(t *testing.T) {
	tests := []struct {
		mode  model.PowerMode
		max   uint32
		want  uint32
		apply bool
	}{
		{model.PowerModeMaxPerformance, 450, 450, true},
		{model.PowerModeBalanced, 450, 405, true},
		{model.PowerModePowerSaver, 450, 315, true},
		{model.PowerModePowerSaver, 333, 233, true},
		{model.PowerModeBalanced, 450_000, 405_000, true},
		{model.PowerModeCustom, 450, 0, false},
		{model.PowerModeAuto, 450, 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			got, ok := TargetPowerLimit(tt.mode, tt.max)
			assert.Equal(t, tt.apply, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAutoMode(t *testing.T) {
	assert.Equal(t, model.PowerModeMaxPerformance, ResolveAutoMode(model.PowerModeAuto, 81))
	assert.Equal(t, model.PowerModeBalanced, ResolveAutoMode(model.PowerModeAuto, 80))
	assert.Equal(t, model.PowerModeBalanced, ResolveAutoMode(model.PowerModeAuto, 20))
	assert.Equal(t, model.PowerModePowerSaver, ResolveAutoMode(model.PowerModeAuto, 19))
	assert.Equal(t, model.PowerModeCustom, ResolveAutoMode(model.PowerModeCustom, 99))
}
