package tpmgate

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// statsCollector counts responses served from or stored into the cache.
type statsCollector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	servedBytes atomic.Uint64
	minBody     atomic.Uint64
	maxBody     atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBody.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(hit bool, bodyBytes int) {
	if bodyBytes < 0 {
		bodyBytes = 0
	}
	n := uint64(bodyBytes)

	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	s.servedBytes.Add(n)

	for cur := s.minBody.Load(); n < cur && !s.minBody.CompareAndSwap(cur, n); cur = s.minBody.Load() {
	}
	for cur := s.maxBody.Load(); n > cur && !s.maxBody.CompareAndSwap(cur, n); cur = s.maxBody.Load() {
	}
}

type statsSnapshot struct {
	Hits     uint64
	Misses   uint64
	Bytes    uint64
	MinBody  uint64
	MaxBody  uint64
	AvgBody  uint64
	HitRatio float64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Bytes:  s.servedBytes.Load(),
	}
	total := ss.Hits + ss.Misses
	if total == 0 {
		return statsSnapshot{}
	}
	ss.MinBody = s.minBody.Load()
	if ss.MinBody == math.MaxUint64 {
		ss.MinBody = 0
	}
	ss.MaxBody = s.maxBody.Load()
	ss.AvgBody = ss.Bytes / total
	ss.HitRatio = float64(ss.Hits) / float64(total)
	return ss
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []zap.Field{
		zap.String("version", s.ActiveVersion()),
		zap.Int("pages", s.hub.Len()),
		zap.String("ram", humanize.Bytes(uint64(s.store.RAMSize()))),
		zap.Uint64("hits", ss.Hits),
		zap.Uint64("misses", ss.Misses),
		zap.String("hitRatio", humanize.FtoaWithDigits(ss.HitRatio*100, 1)+"%"),
		zap.String("served", humanize.Bytes(ss.Bytes)),
		zap.String("bodyMin", humanize.Bytes(ss.MinBody)),
		zap.String("bodyAvg", humanize.Bytes(ss.AvgBody)),
		zap.String("bodyMax", humanize.Bytes(ss.MaxBody)),
	}
	if c := s.current.Load(); c != nil {
		if urls, err := c.URLs(); err == nil {
			fields = append(fields, zap.Int("cached", len(urls)))
		}
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, zap.String("rss", humanize.Bytes(rss)))
	}
	s.log.Info("cache stats", fields...)
}
