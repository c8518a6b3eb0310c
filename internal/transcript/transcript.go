// Package transcript writes per-user conversation transcripts as NDJSON.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Direction of a transcript entry relative to the service.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Entry is one line of a transcript.
type Entry struct {
	Time      time.Time `json:"time"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	Intent    string    `json:"intent,omitempty"`
	Text      string    `json:"text"`
	Actions   []string  `json:"actions,omitempty"`
}

// Config controls transcript writing.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Writer appends entries asynchronously. A disabled Writer drops everything.
type Writer struct {
	enabled bool
	dir     string
	logger  *zap.Logger

	queue     chan Entry
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New creates a Writer and starts its background goroutine when enabled.
func New(cfg Config, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{enabled: cfg.Enabled, dir: cfg.Dir, logger: logger.Named("transcript")}
	if !cfg.Enabled {
		return w, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	w.queue = make(chan Entry, size)

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Log enqueues e without blocking. Entries are dropped when the queue is full.
func (w *Writer) Log(e Entry) {
	if !w.enabled {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- e:
	default:
		w.logger.Warn("Transcript queue full, dropping entry", zap.String("user_id", e.UserID))
	}
}

// Close flushes queued entries and stops the writer.
func (w *Writer) Close() error {
	if !w.enabled {
		return nil
	}
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
		w.wg.Wait()
	})
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()
	for e := range w.queue {
		if err := w.write(e); err != nil {
			w.logger.Error("Failed to write transcript entry", zap.String("user_id", e.UserID), zap.Error(err))
		}
	}
}

// Path returns the transcript file for userID.
func (w *Writer) Path(userID string) string {
	name := unsafeFileChars.ReplaceAllString(userID, "_")
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(w.dir, name+".ndjson")
}

func (w *Writer) write(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(w.Path(e.UserID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Close()
}
