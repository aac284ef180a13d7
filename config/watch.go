package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"syncfm/core/room"
	"syncfm/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// ReadPolicy parses the policy overrides in envFile without touching the
// process environment. Keys missing from the file keep their current
// environment or default value.
func ReadPolicy(envFile string) (room.Policy, error) {
	values, err := godotenv.Read(envFile)
	if err != nil {
		return room.Policy{}, fmt.Errorf("read %s: %w", envFile, err)
	}

	lookup := func(key string) (string, bool) {
		if v, ok := values[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}
	return policyFrom(lookup), nil
}

// WatchPolicy calls apply with a freshly parsed policy every time envFile is
// written. The directory is watched rather than the file so editors that
// replace the file on save are still seen. Blocks until ctx is done.
func WatchPolicy(ctx context.Context, envFile string, apply func(room.Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(envFile)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", envFile, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			p, err := ReadPolicy(abs)
			if err != nil {
				logger.Warn("policy reload failed", logger.ErrorField(err))
				continue
			}
			if err := p.Validate(); err != nil {
				logger.Warn("policy reload rejected", logger.ErrorField(err))
				continue
			}
			apply(p)
			logger.Info("sync policy reloaded", logger.String("file", abs))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", logger.ErrorField(err))
		}
	}
}
