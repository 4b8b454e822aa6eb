package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nickproject/uidscope/internal/config"
)

func TestApplyFlagDefaults(t *testing.T) {
	c := &config.Config{}
	c.Daemon.Path = "/custom/pcapd"
	applyFlagDefaults(c)

	def := config.Default()
	assert.Equal(t, "/custom/pcapd", c.Daemon.Path)
	assert.Equal(t, def.Daemon.CacheDir, c.Daemon.CacheDir)
	assert.Equal(t, "@inet", c.Daemon.Interface)
	assert.Equal(t, "su", c.Privilege.SuPath)
	assert.Equal(t, 10000, c.Aggregate.WindowSize)
	assert.Equal(t, def.Logging.File, c.Logging.File)
}

func TestRootFlagsRegistered(t *testing.T) {
	for _, name := range []string{"daemon", "cache-dir", "interface", "su", "include", "exclude",
		"include-system", "duration", "output", "format", "no-tui", "diagnose", "list-apps"} {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), name)
	}
}
