package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/domain/conflict"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	v := viper.New()
	v.Set("CONFIG_DIR", dir)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.ServerAddress)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, conflict.StrategyAuto, cfg.ConflictStrategy)
	assert.Equal(t, filepath.Join(dir, "data.db"), cfg.DataPath)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL())
	assert.NotEmpty(t, cfg.DeviceID)
}

func TestLoad_DeviceIDIsStable(t *testing.T) {
	dir := t.TempDir()

	v := viper.New()
	v.Set("CONFIG_DIR", dir)
	first, err := Load(v)
	require.NoError(t, err)

	v = viper.New()
	v.Set("CONFIG_DIR", dir)
	second, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, first.DeviceID, second.DeviceID)

	stored, err := os.ReadFile(filepath.Join(dir, deviceIDFile))
	require.NoError(t, err)
	assert.Contains(t, string(stored), first.DeviceID)
}

func TestLoad_Overrides(t *testing.T) {
	v := viper.New()
	v.Set("CONFIG_DIR", t.TempDir())
	v.Set("SERVER_ADDRESS", "crm.example.com")
	v.Set("ENABLE_TLS", true)
	v.Set("DEVICE_ID", "laptop-1")
	v.Set("CONFLICT_STRATEGY", "MERGE")
	v.Set("SYNC_INTERVAL", "1m")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "https://crm.example.com", cfg.BaseURL())
	assert.Equal(t, "laptop-1", cfg.DeviceID)
	assert.Equal(t, conflict.StrategyMerge, cfg.ConflictStrategy)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{name: "unknown strategy", key: "CONFLICT_STRATEGY", val: "newest"},
		{name: "zero interval", key: "SYNC_INTERVAL", val: "0s"},
		{name: "empty server", key: "SERVER_ADDRESS", val: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set("CONFIG_DIR", t.TempDir())
			v.Set(tt.key, tt.val)

			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}
