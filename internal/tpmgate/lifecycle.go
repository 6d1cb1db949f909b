package tpmgate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tpmgate/internal/message"
)

var ErrNoWaitingVersion = errors.New("no waiting version")

// Install precaches the manifest into the cache for version and marks it as
// waiting, unless it is already the active version. Files are fetched
// independently; a failed file is reported and skipped.
func (s *Service) Install(ctx context.Context, version string) (InstallReport, error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.installLocked(ctx, version)
}

func (s *Service) installLocked(ctx context.Context, version string) (InstallReport, error) {
	cache, err := s.store.Open(version)
	if err != nil {
		return InstallReport{}, err
	}
	rep := InstallReport{Version: version}
	log := s.log.With(zap.String("version", version))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Cache.Concurrency)
	for _, p := range s.cfg.Cache.Precache {
		g.Go(func() error {
			err := s.precacheOne(gctx, cache, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("precache failed", zap.String("url", p), zap.Error(err))
				s.metrics.Precache("failed")
				rep.Failed = append(rep.Failed, p)
				return nil
			}
			s.metrics.Precache("cached")
			rep.Cached = append(rep.Cached, p)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(rep.Cached)
	sort.Strings(rep.Failed)

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	if active, _ := s.store.Active(); active != version {
		if err := s.store.SetWaiting(version); err != nil {
			return rep, fmt.Errorf("mark %s waiting: %w", version, err)
		}
	}
	s.refreshVersionGauge()
	log.Info("cache installed", zap.Int("cached", len(rep.Cached)), zap.Int("failed", len(rep.Failed)))
	return rep, nil
}

func (s *Service) precacheOne(ctx context.Context, cache *Cache, p string) error {
	ent, err := s.get(ctx, p, true)
	if err != nil {
		return err
	}
	if !isSuccess(ent.Status) {
		return fmt.Errorf("unexpected status %d", ent.Status)
	}
	return cache.Put(p, ent)
}

// Activate promotes the waiting version if there is one, deletes every cache
// other than the active one and claims the open pages. Running it again
// without a new install changes nothing.
func (s *Service) Activate(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	_, err := s.activateLocked(ctx)
	return err
}

func (s *Service) activateLocked(ctx context.Context) (changed bool, err error) {
	prev, _ := s.store.Active()
	active := prev
	if _, ok := s.store.Waiting(); ok {
		if active, err = s.store.Promote(); err != nil {
			return false, err
		}
	}
	if active == "" {
		return false, ErrNoWaitingVersion
	}

	keys, err := s.store.Keys()
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if k == active {
			continue
		}
		if err := s.store.Delete(k); err != nil {
			return false, fmt.Errorf("delete stale cache %s: %w", k, err)
		}
		s.log.Info("stale cache deleted", zap.String("version", k))
	}

	cache, err := s.store.Open(active)
	if err != nil {
		return false, err
	}
	s.current.Store(cache)
	s.refreshVersionGauge()

	changed = active != prev
	if changed {
		n := s.hub.PostAll(message.Updated(active, s.now()))
		s.log.Info("cache version activated", zap.String("version", active), zap.String("previous", prev), zap.Int("pages", n))
	}
	return changed, nil
}

// SkipWaiting activates the waiting version right away and asks open pages
// to reload.
func (s *Service) SkipWaiting(ctx context.Context) (string, error) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if _, ok := s.store.Waiting(); !ok {
		return "", ErrNoWaitingVersion
	}
	if _, err := s.activateLocked(ctx); err != nil {
		return "", err
	}
	active, _ := s.store.Active()
	s.hub.PostAll(message.Reload(active, s.now()))
	return active, nil
}

// ActiveVersion returns the version serving requests.
func (s *Service) ActiveVersion() string {
	if c := s.current.Load(); c != nil {
		return c.Version()
	}
	return ""
}

func (s *Service) refreshVersionGauge() {
	if keys, err := s.store.Keys(); err == nil {
		s.metrics.SetCacheVersions(len(keys))
	}
}
