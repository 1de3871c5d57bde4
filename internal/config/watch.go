package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/raulk/clock"

	logx "txkernel/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file after it changes until ctx is done. The parent
// directory is watched rather than the file so editors that replace the file
// on save keep working. If the watcher breaks it is rebuilt with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", file))

	retry := watchRetryMin
	for ctx.Err() == nil {
		w, err := newDirWatcher(dir)
		if err == nil {
			retry = watchRetryMin
			log.Debug("config watcher started")
			m.consume(ctx, w, file)
			_ = w.Close()
			if ctx.Err() != nil {
				break
			}
			log.Warn("config watcher stopped; restarting")
		} else {
			log.Warn("config watcher init failed", logx.Err(err))
		}

		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		t := m.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	return nil
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// consume drains w until ctx ends or the watcher fails. Bursts of events are
// debounced into one reload, which runs on this goroutine.
func (m *ConfigManager) consume(ctx context.Context, w *fsnotify.Watcher, file string) {
	var timer *clock.Timer
	var pending <-chan time.Time
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
	}
	defer disarm()

	arm := func() {
		disarm()
		timer = m.clock.Timer(reloadDebounce)
		pending = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pending:
			pending = nil
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevantOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				arm()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				arm()
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
