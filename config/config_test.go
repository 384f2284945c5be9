package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `mqtt:
  broker: "tcp://localhost:1883"
  client_id: "vpp"
  username: "user"
  password: "pass"
  tls:
    enabled: false
  qos:
    publish: 1
  max_retries: 5
scheduler:
  tick_seconds: 15
metrics:
  listen_addr: ":2112"
  sinks:
    - type: "prometheus"
    - type: "influx"
      conf:
        url: "http://localhost:8086"
ledger:
  backend: "sqlite"
log:
  level: "debug"
  format: "json"
sentry:
  environment: "test"
telemetry:
  enabled: true
  stale_seconds: 120
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"broker", cfg.MQTT.Broker, "tcp://localhost:1883"},
		{"client_id", cfg.MQTT.ClientID, "vpp"},
		{"username", cfg.MQTT.Username, "user"},
		{"qos.publish", cfg.MQTT.QoS["publish"], byte(1)},
		{"max_retries", cfg.MQTT.MaxRetries, 5},
		{"backoff default", cfg.MQTT.BackoffMS, 100},
		{"tick", cfg.Scheduler.Tick(), 15 * time.Second},
		{"monitor default", cfg.Scheduler.MonitorInterval(), 30 * time.Second},
		{"lead default", cfg.Scheduler.Lead(), 30 * time.Minute},
		{"listen_addr", cfg.Metrics.ListenAddr, ":2112"},
		{"sinks", len(cfg.Metrics.Sinks), 2},
		{"influx url", cfg.Metrics.Sinks[1].Conf["url"], "http://localhost:8086"},
		{"ledger path default", cfg.Ledger.Path, "settlements.db"},
		{"log level", cfg.Log.Level, "debug"},
		{"sentry env", cfg.Sentry.Environment, "test"},
		{"telemetry stale", cfg.Telemetry.StaleAfter(), 2 * time.Minute},
		{"telemetry sweep", cfg.Telemetry.Sweep(), 10 * time.Second},
	}
	for _, c := range checks {
		assert.Equal(t, c.want, c.got, c.name)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "config.json", `{"mqtt":{"broker":"tcp://a:1883"},"ledger":{"backend":"jsonl"}}`)
	t.Setenv("K_MQTT__BROKER", "tcp://b:1883")
	t.Setenv("K_LEDGER__PATH", "/tmp/ledger.jsonl")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://b:1883", cfg.MQTT.Broker)
	assert.Equal(t, "jsonl", cfg.Ledger.Store().Backend)
	assert.Equal(t, "/tmp/ledger.jsonl", cfg.Ledger.Store().Path)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, "config.toml", "x = 1"))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "ledger:\n  backend: postgres\n"))
	assert.ErrorContains(t, err, "ledger")

	_, err = Load(writeFile(t, "tel.yaml", "telemetry:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "broker")

	_, err = Load(writeFile(t, "neg.yaml", "scheduler:\n  tick_seconds: -1\n"))
	assert.ErrorContains(t, err, "scheduler")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Empty(t, cfg.Ledger.Path)
	assert.Equal(t, time.Minute, cfg.Scheduler.Tick())
	assert.False(t, cfg.Telemetry.Enabled)
}
