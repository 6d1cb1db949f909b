package tpmgate

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tpmgate/internal/message"
)

// UpdateChecker compares the live version-indicator files against the newest
// cache generation and tells open pages when a new deployment is out.
type UpdateChecker struct {
	svc         *Service
	urls        []string
	autoInstall bool
	log         *zap.Logger

	mu      sync.Mutex
	trigger chan struct{}
}

func newUpdateChecker(svc *Service) *UpdateChecker {
	return &UpdateChecker{
		svc:         svc,
		urls:        svc.cfg.Updates.URLs,
		autoInstall: svc.cfg.Updates.AutoInstall,
		log:         svc.log.Named("updates"),
		trigger:     make(chan struct{}, 1),
	}
}

// Trigger asks the running loop for a check. Requests made while one is
// already pending are merged.
func (u *UpdateChecker) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// Check runs one comparison. The first URL that is missing from the cache or
// differs from it decides; URLs that cannot be fetched are skipped.
func (u *UpdateChecker) Check(ctx context.Context) (UpdateResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var res UpdateResult
	store := u.svc.store
	gen, ok := store.Waiting()
	if !ok {
		gen, ok = store.Active()
	}
	if !ok || !store.Has(gen) {
		u.log.Debug("no installed cache to compare against")
		u.svc.metrics.UpdateCheck("inconclusive")
		return res, nil
	}
	cache, err := store.Open(gen)
	if err != nil {
		return res, err
	}

	for _, p := range u.urls {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		live, err := u.svc.get(ctx, p, true)
		if err != nil {
			u.log.Warn("update check fetch failed", zap.String("url", p), zap.Error(err))
			res.Skipped++
			continue
		}
		if !isSuccess(live.Status) {
			u.log.Warn("update check got non-success status", zap.String("url", p), zap.Int("status", live.Status))
			res.Skipped++
			continue
		}
		res.Checked++

		cached, ok := cache.Match(p)
		if ok && bytes.Equal(cached.Body, live.Body) {
			continue
		}
		res.Available = true
		res.URL = p
		break
	}

	if !res.Available {
		if res.Checked == 0 {
			u.svc.metrics.UpdateCheck("inconclusive")
		} else {
			u.svc.metrics.UpdateCheck("current")
		}
		return res, nil
	}

	if u.autoInstall {
		v := nextVersion(u.svc.cfg.Cache.Version, u.svc.now())
		if _, err := u.svc.Install(ctx, v); err != nil {
			u.log.Error("install of new version failed", zap.String("version", v), zap.Error(err))
		} else {
			res.Version = v
		}
	}

	n := u.svc.hub.PostAll(message.UpdateAvailable(res.Version, u.svc.now()))
	u.svc.metrics.UpdateCheck("available")
	u.log.Info("update available",
		zap.String("url", res.URL),
		zap.String("compared", gen),
		zap.String("version", res.Version),
		zap.Int("pages", n))
	return res, nil
}

// run is the check loop: once after initialDelay, then every period and on
// every Trigger.
func (u *UpdateChecker) run(stop <-chan struct{}, initialDelay, every time.Duration) {
	// closing stop cancels a check in flight
	base, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()
	go func() {
		select {
		case <-stop:
			cancelAll()
		case <-base.Done():
		}
	}()

	runOnce := func(reason string) {
		ctx, cancel := context.WithTimeout(base, 2*time.Minute)
		defer cancel()
		res, err := u.Check(ctx)
		if err != nil {
			u.log.Error("update check failed", zap.String("reason", reason), zap.Error(err))
			return
		}
		u.log.Debug("update check done",
			zap.String("reason", reason),
			zap.Bool("available", res.Available),
			zap.Int("checked", res.Checked),
			zap.Int("skipped", res.Skipped))
	}

	if initialDelay > 0 {
		select {
		case <-stop:
			return
		case <-time.After(initialDelay):
		case <-u.trigger:
		}
	}
	runOnce("startup")

	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-stop:
			return
		case <-tick:
			runOnce("periodic")
		case <-u.trigger:
			runOnce("requested")
		}
	}
}

// nextVersion names a cache generation installed by the checker.
func nextVersion(base string, now time.Time) string {
	return base + "-" + now.UTC().Format("20060102T150405")
}
