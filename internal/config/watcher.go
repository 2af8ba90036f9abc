package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the config file on change and delivers each successfully parsed
// version to onReload. Reload failures keep the previous configuration. Only
// operational knobs (log level, audit sink, ledger retry cadence) are expected
// to be picked up live; clients constructed at startup are not rebuilt.
func Watch(path string, logger *logrus.Logger, onReload func(*Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.WithError(err).Warn("config reload failed, keeping previous configuration")
					continue
				}
				logger.WithField("path", path).Info("config reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return watcher.Close, nil
}
