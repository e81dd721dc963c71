// Package journal appends engine events to a JSON Lines file so the history
// of every instance survives the process that ran it.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/kingrea/stageflow/internal/workflow/engine"
)

const maxLineBytes = 1 << 20

// Journal persists events to a file. It implements engine.Notifier.
type Journal struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a journal that appends to path, creating its directory.
func New(path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: ensure dir: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Journal{path: path, logger: logger}, nil
}

// Path returns the file backing this journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Send appends one event. Write failures are logged, never returned.
func (j *Journal) Send(_ context.Context, event engine.Event) {
	if err := j.Append(event); err != nil {
		j.logger.Warn("journal append failed", "event", event.ID, "err", err)
	}
}

// Append writes a single event as one line.
func (j *Journal) Append(event engine.Event) error {
	if j == nil {
		return nil
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", event.ID, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Tail returns up to max of the most recent events, oldest first, together
// with the number of events that matched. An empty instanceID matches every
// instance. Lines that do not decode are skipped.
func (j *Journal) Tail(instanceID string, max int) ([]engine.Event, int, error) {
	if j == nil || max <= 0 {
		return nil, 0, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	file, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("journal: open: %w", err)
	}
	defer file.Close()

	var events []engine.Event
	total := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var ev engine.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if instanceID != "" && ev.InstanceID != instanceID {
			continue
		}
		total++
		events = append(events, ev)
		if len(events) > max {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("journal: read: %w", err)
	}
	return events, total, nil
}
