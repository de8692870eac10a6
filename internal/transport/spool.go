package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const spoolExt = ".notification"

// SpoolWriter hands notifications to another process through a directory.
// CLI commands use it so a running server can deliver their clarifications
// to connected websocket clients.
type SpoolWriter struct {
	dir string
	now func() time.Time
}

// NewSpoolWriter creates a writer for dir.
func NewSpoolWriter(dir string) *SpoolWriter {
	return &SpoolWriter{dir: dir, now: time.Now}
}

// Notify writes n as one file. The file is written under a temporary name and
// renamed, so a watcher never reads a partial notification.
func (w *SpoolWriter) Notify(_ context.Context, n Notification) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("spool: mkdir %s: %w", w.dir, err)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = w.now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("spool: failed to marshal notification: %w", err)
	}

	name := fmt.Sprintf("%d-%s", n.CreatedAt.UnixNano(), sanitizeID(n.ConversationID))
	tmp, err := os.CreateTemp(w.dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("spool: failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("spool: failed to write notification: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("spool: failed to write notification: %w", err)
	}
	final := strings.TrimSuffix(tmp.Name(), ".tmp") + spoolExt
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("spool: failed to publish notification: %w", err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	if id == "" {
		return "none"
	}
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', '\\', ':', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}

// SpoolWatcher relays spooled notifications to a Notifier, usually the
// websocket hub. Each file is delivered once and removed.
type SpoolWatcher struct {
	dir    string
	target Notifier
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSpoolWatcher creates a watcher for dir delivering to target.
func NewSpoolWatcher(dir string, target Notifier, logger *zap.Logger) *SpoolWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpoolWatcher{dir: dir, target: target, logger: logger}
}

// Start delivers anything already spooled, then watches for new files until
// Stop is called.
func (s *SpoolWatcher) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("spool watcher is already running")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w
	s.done = make(chan struct{})

	s.drainExisting()
	go s.loop(w, s.done)
	s.logger.Info("watching notification spool", zap.String("dir", s.dir))
	return nil
}

// Stop closes the watcher and waits for the loop to exit.
func (s *SpoolWatcher) Stop() {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher = nil
	s.mu.Unlock()
	if w == nil {
		return
	}
	_ = w.Close()
	<-done
}

func (s *SpoolWatcher) loop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case evt, ok := <-w.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, spoolExt) {
				s.deliver(evt.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

func (s *SpoolWatcher) drainExisting() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), spoolExt) {
			s.deliver(filepath.Join(s.dir, entry.Name()))
		}
	}
}

func (s *SpoolWatcher) deliver(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another watcher
	}
	if err := os.Remove(path); err != nil {
		return
	}

	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		s.logger.Warn("invalid spooled notification", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if err := s.target.Notify(context.Background(), n); err != nil {
		s.logger.Warn("failed to relay spooled notification",
			zap.String("conversation_id", n.ConversationID), zap.Error(err))
	}
}
