package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "direct", cfg.Ingest.Mode)
	assert.Equal(t, "measurements", cfg.ServiceBus.QueueName)
	assert.Equal(t, 5, cfg.Consumer.MaxDeliveries)

	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "temperature_threshold", cfg.Rules[0].RuleType)
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  port: 9090
ingest:
  mode: queued
consumer:
  max_deliveries: 3
  dead_letter_path: /tmp/dl.log
rules:
  - rule_type: temperature_threshold
    params:
      min: -10
      max: 40
  - rule_type: battery_low
    params:
      min: 25
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "queued", cfg.Ingest.Mode)
	assert.Equal(t, 3, cfg.Consumer.MaxDeliveries)
	assert.Equal(t, "/tmp/dl.log", cfg.Consumer.DeadLetterPath)

	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "battery_low", cfg.Rules[1].RuleType)
	assert.EqualValues(t, 25, cfg.Rules[1].Params["min"])
}
