// SPDX-License-Identifier:Apache-2.0

package filewatcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher monitors a directory for configuration file changes
// and signals them, debounced, through a channel.
type FileWatcher struct {
	watchDir         string
	fileName         string
	logger           *slog.Logger
	debounceDuration time.Duration

	watcher     *fsnotify.Watcher
	triggerChan chan<- struct{}
}

// New creates a new FileWatcher for the specified directory.
// triggerChan is where change notifications are sent.
func New(watchDir string, triggerChan chan<- struct{}, logger *slog.Logger) (*FileWatcher, error) {
	if watchDir == "" {
		return nil, fmt.Errorf("watch directory cannot be empty")
	}
	if triggerChan == nil {
		return nil, fmt.Errorf("trigger channel cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &FileWatcher{
		watchDir:         watchDir,
		logger:           logger,
		triggerChan:      triggerChan,
		debounceDuration: 500 * time.Millisecond, // 500ms debounce window
	}, nil
}

// OnlyFile restricts notifications to events about the named file of the
// watched directory. Editors and config map mounts replace files through
// renames, which is why the directory is watched and not the file.
func (fw *FileWatcher) OnlyFile(name string) *FileWatcher {
	fw.fileName = name
	return fw
}

// Start begins watching the directory for changes.
// Returns immediately; watching happens in background goroutine.
// Cleanup is handled automatically when context is cancelled.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.watcher != nil {
		return fmt.Errorf("file watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	fw.watcher = watcher

	err = fw.watcher.Add(fw.watchDir)
	if err != nil {
		_ = fw.watcher.Close()
		fw.watcher = nil
		return fmt.Errorf("failed to add watch directory %s: %w", fw.watchDir, err)
	}

	fw.logger.Info("file watcher started", "directory", fw.watchDir, "debounce", fw.debounceDuration)

	// Start background goroutine for event processing
	go fw.watchLoop(ctx)

	return nil
}

// watchLoop runs in background goroutine to process file system events
func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer func() {
		if err := fw.watcher.Close(); err != nil {
			fw.logger.Error("error closing watcher", "error", err)
		}
		fw.logger.Info("file watcher stopped")
	}()

	timeOut := make(<-chan time.Time)
	timerSet := false
	for {
		select {
		case <-ctx.Done():
			fw.logger.Debug("file watcher context cancelled")
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Debug("file watcher events channel closed")
				return
			}
			if fw.fileName != "" && filepath.Base(event.Name) != fw.fileName {
				continue
			}

			if !timerSet {
				timeOut = time.After(fw.debounceDuration)
				timerSet = true
			}
			fw.logEvent(event)

		case <-timeOut:
			timerSet = false
			fw.logger.Debug("file watcher: trigger reload")
			fw.trigger()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Debug("file watcher errors channel closed")
				return
			}

			fw.logger.Error("file watcher error", "error", err)
			// Continue watching despite errors
		}
	}
}

// handleEvent processes a file system event with debouncing
func (fw *FileWatcher) logEvent(fileEvent fsnotify.Event) {
	switch {
	case fileEvent.Op&fsnotify.Write == fsnotify.Write:
		fw.logger.Info("static file modified", "path", fileEvent.Name, "op", "WRITE", "source", "static")
	case fileEvent.Op&fsnotify.Create == fsnotify.Create:
		fw.logger.Info("static file created", "path", fileEvent.Name, "op", "CREATE", "source", "static")
	case fileEvent.Op&fsnotify.Remove == fsnotify.Remove:
		fw.logger.Info("static file removed", "path", fileEvent.Name, "op", "REMOVE", "source", "static")
	case fileEvent.Op&fsnotify.Rename == fsnotify.Rename:
		fw.logger.Info("static file renamed", "path", fileEvent.Name, "op", "RENAME", "source", "static")
	case fileEvent.Op&fsnotify.Chmod == fsnotify.Chmod:
		fw.logger.Debug("chmod event", "path", fileEvent.Name, "op", "CHMOD")
	default:
		fw.logger.Info("static file event", "path", fileEvent.Name, "op", fileEvent.Op, "source", "static")
	}
}

// trigger notifies the channel, unless a notification is already pending.
func (fw *FileWatcher) trigger() {
	select {
	case fw.triggerChan <- struct{}{}:
		fw.logger.Info("triggered reload from static file change", "source", "static", "directory", fw.watchDir)
	default:
		fw.logger.Debug("reload already queued, skipping trigger", "source", "static")
	}
}
