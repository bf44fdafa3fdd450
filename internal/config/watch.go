package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 150 * time.Millisecond

func watched(name string) bool {
	switch name {
	case overridesFile, dotenvFile:
		return true
	}
	for _, b := range baseFiles {
		if name == b {
			return true
		}
	}
	return false
}

// Watch clears the cached snapshot whenever a config file in dir changes
// and then calls onChange (if non-nil). It blocks until ctx is done.
func Watch(ctx context.Context, dir string, onChange func()) error {
	if dir == "" {
		dir = DefaultDir
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	opts := Options{}
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !watched(filepath.Base(ev.Name)) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			ClearCache()
			opts.logf(zerolog.InfoLevel, "config-reload dir=%s", dir)
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			opts.logf(zerolog.WarnLevel, "config-watch error: %v", err)
		}
	}
}
