package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 512, cfg.Bus.Capacity)
	assert.Equal(t, 10000, cfg.Aggregate.WindowSize)
	assert.Equal(t, 1500*time.Millisecond, cfg.Daemon.SettleDelay)
	assert.Equal(t, 300*time.Millisecond, cfg.Daemon.KillGrace)
	assert.Equal(t, 5*time.Second, cfg.Privilege.CheckTimeout)
	assert.Equal(t, "@inet", cfg.Daemon.Interface)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Bus.Capacity = 0
	cfg.Aggregate.WindowSize = -1
	cfg.Daemon.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.capacity")
	assert.Contains(t, err.Error(), "aggregate.window_size")
	assert.Contains(t, err.Error(), "daemon.path")
}
