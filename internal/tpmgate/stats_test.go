package tpmgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatsCollector_Snapshot(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(true, 100)
	s.Observe(false, 300)
	s.Observe(true, -5)
	s.Observe(true, 200)

	got := s.Snapshot()
	assert.Equal(t, uint64(3), got.Hits)
	assert.Equal(t, uint64(1), got.Misses)
	assert.Equal(t, uint64(600), got.Bytes)
	assert.Equal(t, uint64(0), got.MinBody)
	assert.Equal(t, uint64(300), got.MaxBody)
	assert.Equal(t, uint64(150), got.AvgBody)
	assert.InDelta(t, 0.75, got.HitRatio, 1e-9)
}

func TestLogStats(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t, func(c *Config) { c.Logging.logStatsEveryDur = time.Hour })
	h.installActive(t)
	h.svc.log = zap.New(core)

	h.serve("/js/app.js", "console.log(1)")
	h.get("/index.html")
	h.get("/manifest.json")
	h.get("/js/app.js")
	h.svc.logStats()

	entries := logs.FilterMessage("cache stats").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "v1", fields["version"])
	assert.Equal(t, uint64(2), fields["hits"])
	assert.Equal(t, uint64(1), fields["misses"])
	assert.Equal(t, "66.7%", fields["hitRatio"])
	assert.Equal(t, int64(4), fields["cached"])
}

func TestRateLimitedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rl := newRateLimitedLogger(zap.New(core), time.Hour)

	rl.Warn("over budget")
	rl.Warn("over budget")
	rl.Warn("over budget")
	require.Equal(t, 1, logs.Len())

	rl.mu.Lock()
	rl.lastAt = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	rl.Warn("over budget")
	all := logs.All()
	require.Len(t, all, 2)
	assert.Equal(t, int64(2), all[1].ContextMap()["suppressed"])
}
