package tpmgate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://app.local/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8082, cfg.Server.Port)
	assert.Equal(t, "http://app.local", cfg.Server.Origin)
	assert.Equal(t, "/", cfg.Server.BasePath)
	assert.Equal(t, 30*time.Second, cfg.Server.timeoutDur)

	assert.Equal(t, "./data/leveldb", cfg.Storage.Path)
	assert.Equal(t, int64(64_000_000), cfg.Storage.ramMax)

	assert.Equal(t, "tpm-v1.0.0", cfg.Cache.Version)
	assert.Equal(t, []string{"/", "/index.html", "/manifest.json", "/icons/icon-72x72.png", "/icons/icon-192x192.png"}, cfg.Cache.Precache)
	assert.Equal(t, []string{"dashboard", "reports.html", "RequestsScreen.html"}, cfg.Cache.Exclude)
	assert.Equal(t, []string{"script.google.com", "/api/"}, cfg.Cache.ExternalAPIs)
	assert.Equal(t, 4, cfg.Cache.Concurrency)

	assert.Equal(t, "/index.html", cfg.Offline.Shell)
	assert.Equal(t, "/icons/icon-192x192.png", cfg.Offline.Image)

	assert.Equal(t, []string{"/manifest.json", "/index.html"}, cfg.Updates.URLs)
	assert.Equal(t, 5*time.Second, cfg.Updates.initialDelayDur)
	assert.Equal(t, time.Hour, cfg.Updates.everyDur)

	assert.Equal(t, 5*time.Second, cfg.Notifications.cooldownDur)
	assert.Equal(t, 100, cfg.Notifications.Capacity)
	assert.Equal(t, 16, cfg.Events.Buffer)
	assert.Equal(t, 25*time.Second, cfg.Events.heartbeatDur)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Zero(t, cfg.Logging.logStatsEveryDur)
}

func TestParseConfig_BasePath(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://app.local
  basePath: nasjpour/
cache:
  precache: [/, index.html, /nasjpour/manifest.json, /index.html]
updates:
  urls: [manifest.json]
`))
	require.NoError(t, err)

	assert.Equal(t, "/nasjpour", cfg.Server.BasePath)
	assert.Equal(t, []string{"/nasjpour/", "/nasjpour/index.html", "/nasjpour/manifest.json"}, cfg.Cache.Precache)
	assert.Equal(t, "/nasjpour/index.html", cfg.Offline.Shell)
	assert.Equal(t, "/nasjpour/icons/icon-192x192.png", cfg.Offline.Image)
	assert.Equal(t, []string{"/nasjpour/manifest.json"}, cfg.Updates.URLs)
}

func TestParseConfig_Values(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://app.local
  timeout: 3s
storage:
  ram:
    max: 2MiB
notifications:
  cooldown: 10s
  capacity: 5
  mqtt:
    broker: tcp://localhost:1883
    qos: 1
events:
  heartbeat: 1m
logging:
  level: debug
  format: console
  logStatsEvery: 30s
`))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Server.timeoutDur)
	assert.Equal(t, int64(2<<20), cfg.Storage.ramMax)
	assert.Equal(t, 10*time.Second, cfg.Notifications.cooldownDur)
	assert.Equal(t, 5, cfg.Notifications.Capacity)
	assert.Equal(t, 1, cfg.Notifications.MQTT.QoS)
	assert.Equal(t, time.Minute, cfg.Events.heartbeatDur)
	assert.Equal(t, 30*time.Second, cfg.Logging.logStatsEveryDur)
}

func TestParseConfig_Errors(t *testing.T) {
	cases := map[string]string{
		"missing origin": "server:\n  port: 80\n",
		"bad timeout":    "server:\n  origin: http://a\n  timeout: soon\n",
		"negative":       "server:\n  origin: http://a\nupdates:\n  every: -1h\n",
		"bad ram":        "server:\n  origin: http://a\nstorage:\n  ram:\n    max: lots\n",
		"bad qos":        "server:\n  origin: http://a\nnotifications:\n  mqtt:\n    qos: 3\n",
		"bad yaml":       "server: [",
	}
	for name, in := range cases {
		_, err := ParseConfig([]byte(in))
		assert.Error(t, err, name)
	}
}

func TestLoadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tpmgate.yaml")
	require.NoError(t, os.WriteFile(p, []byte(testConfigYAML), 0o644))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.Cache.Version)
	assert.Equal(t, testOrigin, cfg.Server.Origin)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
