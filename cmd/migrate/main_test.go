package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/grubhaul-backend/pkg/config"
	"github.com/angelmondragon/grubhaul-backend/pkg/migrate"
)

func cfgFor(env string, sqlite bool) *config.Config {
	return &config.Config{
		App:          config.AppConfig{Env: env},
		FeatureFlags: config.FeatureFlagsConfig{UseSQLite: sqlite},
	}
}

func TestPlanGuardsDestructiveCommandsInProduction(t *testing.T) {
	opts := options{cmd: "down", dir: migrate.EmbeddedDir, timeout: time.Minute}

	_, err := plan(opts, cfgFor(config.AppEnvProd, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-force")

	opts.force = true
	cmd, err := plan(opts, cfgFor(config.AppEnvProd, false))
	require.NoError(t, err)
	assert.True(t, cmd.needsDB)

	opts.force = false
	_, err = plan(opts, cfgFor(config.AppEnvDev, false))
	assert.NoError(t, err)
}

func TestPlanValidatesArguments(t *testing.T) {
	dev := cfgFor(config.AppEnvDev, false)
	cases := map[string]options{
		"unknown command":     {cmd: "redo", timeout: time.Minute},
		"create without name": {cmd: "create", dir: migrate.DefaultDir, timeout: time.Minute},
		"create into binary":  {cmd: "create", name: "add_tips", dir: migrate.EmbeddedDir, timeout: time.Minute},
		"version missing":     {cmd: "version", timeout: time.Minute},
		"zero timeout":        {cmd: "up"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := plan(opts, dev)
			assert.Error(t, err)
		})
	}

	cmd, err := plan(options{cmd: "validate", dir: migrate.EmbeddedDir, timeout: time.Minute}, dev)
	require.NoError(t, err)
	assert.False(t, cmd.needsDB)
}

func TestPlanLimitsSQLiteToUp(t *testing.T) {
	sqlite := cfgFor(config.AppEnvDev, true)
	_, err := plan(options{cmd: "up", timeout: time.Minute}, sqlite)
	assert.NoError(t, err)
	_, err = plan(options{cmd: "status", timeout: time.Minute}, sqlite)
	assert.Error(t, err)
}
