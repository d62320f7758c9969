package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(values map[string]any) *viper.Viper {
	v := viper.New()
	setConfigDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := configFromViper(newTestViper(nil))
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.DBType)
	assert.Equal(t, 30*time.Minute, cfg.AlertCooldown)
	assert.Equal(t, 5*time.Minute, cfg.PumpAlertCooldown)
	assert.Equal(t, 30*time.Second, cfg.AITimeout)
	assert.Equal(t, 30*time.Second, cfg.SSEKeepAlive)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.AIServiceEnabled)
	assert.Equal(t, "http://localhost:5001", cfg.AIServiceURL)
	assert.Empty(t, cfg.DeviceAPIKeys)
}

func TestConfigOverrides(t *testing.T) {
	cfg, err := configFromViper(newTestViper(map[string]any{
		EnvKeyAIServiceURL:     "http://ai:5000/",
		EnvKeyAIServiceEnabled: "false",
		EnvKeyAITimeout:        "2s",
		EnvKeyIOTDeviceAPIKeys: " key-a, ,key-b ",
		EnvKeyAlertCooldown:    "10m",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://ai:5000", cfg.AIServiceURL)
	assert.False(t, cfg.AIServiceEnabled)
	assert.Equal(t, 2*time.Second, cfg.AITimeout)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.DeviceAPIKeys)
	assert.Equal(t, 10*time.Minute, cfg.AlertCooldown)
}

func TestConfigRejectsInvalid(t *testing.T) {
	_, err := configFromViper(newTestViper(map[string]any{EnvKeyIOTDBType: "mongo"}))
	assert.Error(t, err)

	_, err = configFromViper(newTestViper(map[string]any{EnvKeyIOTDBType: "postgres"}))
	assert.ErrorContains(t, err, EnvKeyIOTDbDSN)

	_, err = configFromViper(newTestViper(map[string]any{EnvKeyAITimeout: "0s"}))
	assert.Error(t, err)

	for _, raw := range []string{"0", "0s", "bogus", "-1m"} {
		_, err = configFromViper(newTestViper(map[string]any{EnvKeySweepInterval: raw}))
		assert.ErrorContains(t, err, EnvKeySweepInterval, "interval %q", raw)
	}
}

func TestLoadConfigReadsYamlAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "IOT_HTTP_HOST_PORT: \":9999\"\nALERT_COOLDOWN: 15m\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smartplant.yaml"), []byte(yaml), 0o600))

	t.Setenv(EnvKeyGoEnv, "test")
	t.Setenv(EnvKeyAlertCooldown, "20m")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HttpHostPort)
	assert.Equal(t, 20*time.Minute, cfg.AlertCooldown)
}
