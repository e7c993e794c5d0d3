package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notifyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay:
  url: wss://relay.example/ws
keyserver:
  url: https://keys.example
storage:
  driver: postgres
  dsn: postgres://u:p@localhost/notify
sync:
  driver: redis
  redis_addr: localhost:6379
  flush_interval: 2s
scheduler:
  interval: 15m
device_id: laptop
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "wss://relay.example/ws", cfg.Relay.URL)
	require.Equal(t, DriverPostgres, cfg.Storage.Driver)
	require.Equal(t, 2*time.Second, cfg.Sync.FlushInterval)
	require.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	require.Equal(t, "laptop", cfg.DeviceID)
	// untouched sections keep their defaults
	require.Equal(t, 30*time.Second, cfg.Protocol.RequestTimeout)
	require.Equal(t, 3, cfg.Scheduler.FailureThreshold)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [not, a, map"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Storage.Driver = "sqlite"
	cfg.Sync.Driver = DriverRedis
	cfg.Protocol.RequestTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"relay.url", "keyserver.url", "storage.driver", "sync.redis_addr", "protocol.request_timeout"} {
		require.ErrorContains(t, err, want)
	}

	cfg = Default()
	cfg.Relay.URL = "ws://localhost:9000/ws"
	cfg.Keyserver.URL = "http://localhost:9001"
	cfg.Storage.Driver = DriverMongo
	require.ErrorContains(t, cfg.Validate(), "storage.dsn")
}
