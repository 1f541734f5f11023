// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store whenever the file at path is written or replaced,
// until ctx is cancelled. The parent directory is watched so rename-based
// saves are seen. A reload that fails keeps the previous store.
func (a *Authenticator) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := a.LoadFile(abs); err != nil {
				a.logger.Warn("credential store reload failed",
					slog.String("path", abs),
					slog.String("error", err.Error()))
				continue
			}
			a.logger.Info("credential store reloaded", slog.String("path", abs))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("credential watcher error", slog.String("error", err.Error()))
		}
	}
}
