package tpmgate

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger drops messages that arrive within interval of the last
// one it let through.
type rateLimitedLogger struct {
	mu       sync.Mutex
	log      *zap.Logger
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	if l.dropped > 0 {
		fields = append(fields, zap.Int("suppressed", l.dropped))
	}
	l.lastAt = now
	l.dropped = 0
	l.log.Warn(msg, fields...)
}
