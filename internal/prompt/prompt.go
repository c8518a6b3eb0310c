// Package prompt keeps the system prompt in memory and reloads it when the
// file on disk changes.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// File is a text file whose latest content is always available via Text.
// A missing or unreadable file yields an empty prompt.
type File struct {
	path   string
	logger *zap.Logger

	mu   sync.RWMutex
	text string

	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Load reads path once. Call Watch to follow later edits.
func Load(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{path: path, logger: logger.Named("prompt"), done: make(chan struct{})}
	f.reload()
	return f
}

// Static returns a File holding text that never changes.
func Static(text string) *File {
	return &File{text: text, logger: zap.NewNop(), done: make(chan struct{})}
}

// Text returns the current content.
func (f *File) Text() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.text
}

func (f *File) reload() {
	if f.path == "" {
		return
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.logger.Error("Could not load prompt", zap.String("path", f.path), zap.Error(err))
		} else {
			f.logger.Warn("Prompt file not found", zap.String("path", f.path))
		}
		data = nil
	}

	f.mu.Lock()
	f.text = string(data)
	f.mu.Unlock()
}

// Watch follows changes to the file. The parent directory is watched since
// editors often replace files instead of writing in place.
func (f *File) Watch() error {
	if f.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.path, err)
	}
	f.watcher = watcher

	f.wg.Add(1)
	go f.eventLoop()
	f.logger.Info("Watching prompt file", zap.String("path", f.path))
	return nil
}

func (f *File) eventLoop() {
	defer f.wg.Done()
	target := filepath.Clean(f.path)
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				f.reload()
				f.logger.Info("Prompt reloaded", zap.String("path", f.path))
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("Watcher error", zap.Error(err))
		case <-f.done:
			return
		}
	}
}

// Close stops watching.
func (f *File) Close() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.done)
		if f.watcher != nil {
			err = f.watcher.Close()
		}
		f.wg.Wait()
	})
	return err
}
