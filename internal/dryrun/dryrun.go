// Package dryrun provides write-intercepting wrappers for dry-run mode.
// Reads pass through to the real tracker so the pipeline sees genuine
// repository state; writes and agent launches are recorded as JSONL
// intents and succeed without side effects.
package dryrun

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agent-grid/agent-grid/internal/logging"
)

// Recorder writes intercepted actions to a JSONL file, one intent per
// line, and mirrors each to the log.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *slog.Logger
}

// NewRecorder opens and truncates the intent file: every run starts
// with an empty log so the output reviews cleanly.
func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dry-run output directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dry-run output: %w", err)
	}

	r := &Recorder{file: file, path: path, logger: logging.WithComponent("dryrun")}
	r.logger.Info("dry-run mode active, writes will be recorded", "path", path)
	return r, nil
}

// Path returns the intent file location.
func (r *Recorder) Path() string { return r.path }

// Record appends one intent line. A failing intent log never fails the
// operation it shadows.
func (r *Recorder) Record(action string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["action"] = action

	line, err := json.Marshal(entry)
	if err != nil {
		r.logger.Warn("intent marshal failed", "action", action, "error", err)
		return
	}

	r.mu.Lock()
	if _, err := r.file.Write(append(line, '\n')); err != nil {
		r.logger.Warn("intent write failed", "action", action, "error", err)
	}
	r.mu.Unlock()

	r.logger.Info("write intercepted", "action", action, "detail", fields)
}

// Close flushes and closes the intent file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// clip bounds a value for intent previews; the full value only travels
// the real call path.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
