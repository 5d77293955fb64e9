package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/marketsync/internal/logging"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes each successfully
// validated config to apply. It blocks until ctx is done. The parent
// directory is watched so atomic rename-on-save is observed.
func Watch(ctx context.Context, path string, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var (
		timer  *time.Timer
		fire   = make(chan struct{}, 1)
		reload = func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		}
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(reloadDebounce, reload)
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				logging.Warn("Config reload rejected", map[string]interface{}{
					"path":  path,
					"error": err.Error(),
				})
				continue
			}
			logging.Info("Config reloaded", map[string]interface{}{"path": path})
			apply(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Error("Config watcher error", err)
		}
	}
}
