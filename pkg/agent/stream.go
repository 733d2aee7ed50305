package agent

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/wardenlabs/warden/pkg/models"
	"github.com/wardenlabs/warden/pkg/sandbox"
)

// streamContainerLogs copies the container's own stdout/stderr into
// container.log until the stream ends. Errors are appended to the
// events log rather than surfaced; the streams are observability only.
func streamContainerLogs(ctx context.Context, backend sandbox.Backend, sb *sandbox.Sandbox, logPath, eventsPath string) {
	rc, err := backend.Logs(ctx, sb)
	if err != nil {
		appendJSONL(eventsPath, map[string]any{
			"ts": models.UnixNow(), "type": "log_stream_error", "error": err.Error(),
		})
		return
	}
	defer rc.Close()

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		appendJSONL(eventsPath, map[string]any{
			"ts": models.UnixNow(), "type": "log_stream_error", "error": err.Error(),
		})
		return
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil && ctx.Err() == nil {
		appendJSONL(eventsPath, map[string]any{
			"ts": models.UnixNow(), "type": "log_stream_error", "error": err.Error(),
		})
	}
}

// streamContainerEvents mirrors daemon events for this container into
// container_events.log and the trace.
func streamContainerEvents(ctx context.Context, backend sandbox.Backend, sb *sandbox.Sandbox, eventsPath string, tracer *Tracer) {
	events, errs := backend.Events(ctx, sb)
	f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil && ctx.Err() == nil {
				appendJSONL(eventsPath, map[string]any{
					"ts": models.UnixNow(), "type": "event_stream_error", "error": err.Error(),
				})
			}
			return
		case line, ok := <-events:
			if !ok {
				return
			}
			_, _ = f.Write(append(line, '\n'))
			tracer.Event(map[string]any{"type": "container_event", "event": json.RawMessage(line)})
		}
	}
}
