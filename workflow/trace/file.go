package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileTracer appends trace events to a file as JSON lines, one event
// per line. Multiple runs append to the same file.
//
// FileTracer is safe for concurrent use; a mutex serializes writes so
// lines from concurrent steps never interleave.
type FileTracer struct {
	mu   sync.Mutex
	path string
}

// NewFileTracer creates a tracer appending to path. The file is created
// immediately so repeated runs append rather than truncate.
func NewFileTracer(path string) (*FileTracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close trace file: %w", err)
	}
	return &FileTracer{path: path}, nil
}

// Record appends ev as a single JSON line. Write failures are dropped:
// tracing must never abort workflow execution.
func (t *FileTracer) Record(ev Event) {
	stamp(&ev)

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}
