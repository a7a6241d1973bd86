package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchFile watches path for writes and invokes onChange with a freshly
// reloaded fileOverrides-applied Config each time. The returned
// io.Closer-like stop func tears down the watcher goroutine. WatchFile
// only produces the new Config; applying it is left to onChange.
func WatchFile(path string, base Config, log *zap.Logger, onChange func(Config)) (stop func(), err error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg := base
				if err := applyConfigFile(&cfg, path); err != nil {
					log.Warn("config: reload failed", zap.Error(err))
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config: watcher error", zap.Error(err))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
