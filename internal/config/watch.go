package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 300 * time.Millisecond

// Watch reloads path into m whenever the file is written or replaced, until
// ctx is done. The parent directory is watched so editors that rename a temp
// file over the original are still seen.
func Watch(ctx context.Context, m *Manager, path string, logger zerolog.Logger, onReload func(Status, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()
		var timer *time.Timer
		reload := func() {
			st, err := m.LoadFile(ctx, abs)
			if err != nil {
				logger.Error().Err(err).Str("path", abs).Msg("config reload failed")
			} else {
				logger.Info().Str("path", abs).Str("provider", string(st.Provider)).Bool("ready", st.Ready).Msg("config reloaded")
			}
			if onReload != nil {
				onReload(st, err)
			}
		}
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
