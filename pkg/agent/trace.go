// Package agent contains the supervisor loop and its supporting parts:
// the trace and ledger writers, the notes discipline, the context
// builder, and the container stream daemons.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wardenlabs/warden/pkg/models"
)

// Tracer appends structured events to trace.jsonl. Safe for use from
// the loop and the stream goroutines at once.
type Tracer struct {
	mu sync.Mutex
	f  *os.File
}

// NewTracer opens (or creates) the trace file in append mode.
func NewTracer(path string) (*Tracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return &Tracer{f: f}, nil
}

// Event writes one trace line, stamping ts when the caller did not.
// Trace writes are best-effort; a failed write never stops the loop.
func (t *Tracer) Event(fields map[string]any) {
	if t == nil {
		return
	}
	if _, ok := fields["ts"]; !ok {
		fields["ts"] = models.UnixNow()
	}
	line, err := json.Marshal(fields)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.f.Write(append(line, '\n'))
}

// Close releases the trace file.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

func appendJSONL(path string, payload any) {
	line, err := json.Marshal(payload)
	if err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}
