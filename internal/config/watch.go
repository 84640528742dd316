package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"relaybot/pkg/logx"
)

const (
	watchDebounce  = 250 * time.Millisecond
	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// watcher observes the config directory rather than the file itself so that
// editors which write a temp file and rename it over the original are seen.
// A broken fsnotify watcher is recreated with jittered backoff.
type watcher struct {
	m    *Manager
	dir  string
	file string

	mu    sync.Mutex
	timer *time.Timer

	retry time.Duration
}

func newWatcher(m *Manager) *watcher {
	return &watcher{
		m:     m,
		dir:   filepath.Dir(m.path),
		file:  filepath.Base(m.path),
		retry: watchRetryBase,
	}
}

func (w *watcher) run(ctx context.Context) error {
	defer w.stopTimer()
	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(w.dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			if !w.backoff(ctx, "config watch setup failed", err) {
				return nil
			}
			continue
		}

		w.retry = watchRetryBase
		w.m.log.Debug("watching config", logx.String("dir", w.dir), logx.String("file", w.file))
		err = w.loop(ctx, fw)
		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !w.backoff(ctx, "config watcher broke; recreating", err) {
			return nil
		}
	}
	return nil
}

// loop returns nil when ctx ends, otherwise the reason the watcher is unusable.
func (w *watcher) loop(ctx context.Context, fw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("fsnotify events closed")
			}
			if filepath.Base(ev.Name) == w.file && ev.Op&watchedOps != 0 {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			switch {
			case !ok:
				return errors.New("fsnotify errors closed")
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				w.m.log.Warn("config watch overflow; reloading", logx.Err(err))
				w.schedule()
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			default:
				w.m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// schedule coalesces bursts of events into one reload.
func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.m.reload)
}

func (w *watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *watcher) backoff(ctx context.Context, msg string, err error) bool {
	wait := w.retry + rand.N(w.retry/2+1)
	w.m.log.Warn(msg, logx.String("dir", w.dir), logx.Duration("retry_in", wait), logx.Err(err))
	w.retry = min(w.retry*2, watchRetryMax)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
