package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 250 * time.Millisecond

// Watch re-parses sources whenever one of them changes and hands the result
// to onChange. Parent directories are watched so that editors which replace
// files on save are noticed. Watch blocks until ctx is done.
func (p *Parser) Watch(ctx context.Context, sources []string, onChange func(*ParsedConfig, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, source := range sources {
		abs, err := filepath.Abs(source)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", source, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", source, err)
		}
		dir := abs
		if info.IsDir() {
			dirs[abs] = true
		} else {
			files[abs] = true
			dir = filepath.Dir(abs)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	relevant := func(name string) bool {
		if files[name] {
			return true
		}
		if _, err := FormatOf(name); err != nil {
			return false
		}
		return dirs[filepath.Dir(name)]
	}

	p.logger.Infof("watching %d node set source(s)", len(sources))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !relevant(name) {
				continue
			}
			p.logger.WithField("file", event.Name).Debugf("node set source changed (%s)", event.Op)
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			parsed, err := p.Parse(ctx, sources)
			onChange(parsed, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.WithError(err).Error("watcher error")
		}
	}
}
