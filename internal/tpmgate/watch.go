package tpmgate

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const deployDebounce = 2 * time.Second

// startWatcher watches deploy directories and requests an update check once
// writes to them settle.
func (s *Service) startWatcher(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		s.watchLoop(w, deployDebounce)
	}()
	s.log.Info("watching deploy directories", zap.Strings("paths", paths))
	return nil
}

func (s *Service) watchLoop(w *fsnotify.Watcher, debounce time.Duration) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.log.Debug("deploy change", zap.String("op", ev.Op.String()), zap.String("file", ev.Name))
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			s.checker.Trigger()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Error("fsnotify error", zap.Error(err))
		}
	}
}
