package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/config"
	"github.com/ulfschnabel/slka/internal/domain"
)

const reloadDebounce = 250 * time.Millisecond

// Watch runs a cycle immediately and then every interval until ctx is done.
// When opts.Config is nil, edits to slka.yml reopen the runtime with the new
// config before the next cycle; a config that fails to load or validate is
// logged and the previous one stays in effect.
func Watch(ctx context.Context, opts Options, interval time.Duration, report func(domain.RunSummary)) error {
	if interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", interval)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rt, err := Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { rt.Close() }()

	var changes <-chan fsnotify.Event
	var watchErrs <-chan error
	cfgPath := filepath.Clean(config.Path(opts.Workspace))
	if opts.Config == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer w.Close()
		if err := w.Add(filepath.Dir(cfgPath)); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		changes, watchErrs = w.Events, w.Errors
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	reload := time.NewTimer(reloadDebounce)
	if !reload.Stop() {
		<-reload.C
	}

	runOnce := func() {
		s, err := rt.RunCycle(ctx, false)
		if err != nil {
			log.Error("cycle failed", zap.Error(err))
			return
		}
		if report != nil {
			report(s)
		}
	}

	runOnce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce()
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if filepath.Clean(ev.Name) != cfgPath || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			reload.Reset(reloadDebounce)
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			log.Warn("config watcher error", zap.Error(err))
		case <-reload.C:
			cfg, err := config.Load(opts.Workspace)
			if err != nil {
				log.Warn("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			next := opts
			next.Config = cfg
			nrt, err := Open(ctx, next)
			if err != nil {
				log.Warn("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			rt.Close()
			rt = nrt
			log.Info("config reloaded", zap.String("path", cfgPath))
		}
	}
}
