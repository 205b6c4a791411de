package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gameroom/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	v := config.NewViper()
	v.Set("gateway.jwt_secret", "s")
	v.Set("coordinator.store_driver", config.DriverMemory)
	v.Set("coordinator.event_log_driver", config.DriverMemory)
	cfg, err := config.LoadFromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestInitializeApp_MemoryDrivers(t *testing.T) {
	cfg := memoryConfig(t)
	app, cleanup, err := initializeApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, app.Lifecycle)
	assert.Equal(t, 0, app.Registry.Cached())
}

func TestProvideRules_Catalog(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Rules.CatalogPath = "../../content/rules/catalog.yaml"
	reg, err := provideRules(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Contains(t, reg.GameTypes(), "freeplay")
	assert.Greater(t, len(reg.GameTypes()), 1)

	cfg.Rules.CatalogPath = "missing.yaml"
	_, err = provideRules(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
