package api

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	eventsBootstrapLines = 120
	eventsPollInterval   = 250 * time.Millisecond

	heartbeatNoTrace = 2 * time.Second
	heartbeatIdle    = 5 * time.Second
)

// eventsHandler handles GET /events: a Server-Sent Events stream that
// replays the trace tail and then follows new events as the run
// appends them. The connection stays open even before trace.jsonl
// exists so the UI can attach ahead of the run.
func (s *Server) eventsHandler(c *gin.Context) {
	work, ok := s.workDirOrAbort(c)
	if !ok {
		return
	}
	tracePath := filepath.Join(work, "trace.jsonl")

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Status(200)

	write := func(data string) bool {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}
	writeEvent := func(ev map[string]any) bool {
		ev["ts"] = nowSeconds()
		blob, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		return write(string(blob))
	}

	// Initial message so the browser marks the stream as open.
	if !writeEvent(map[string]any{"type": "sse", "status": "connected"}) {
		return
	}

	var offset int64
	for _, line := range readLastLines(tracePath, eventsBootstrapLines) {
		if !json.Valid([]byte(line)) {
			continue
		}
		if !write(line) {
			return
		}
	}
	if st, err := os.Stat(tracePath); err == nil {
		offset = st.Size()
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(eventsPollInterval)
	defer ticker.Stop()
	lastHeartbeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := os.Stat(tracePath)
		if err != nil {
			if time.Since(lastHeartbeat) > heartbeatNoTrace {
				if !writeEvent(map[string]any{"type": "heartbeat", "status": "waiting_for_trace"}) {
					return
				}
				lastHeartbeat = time.Now()
			}
			continue
		}
		if st.Size() < offset {
			offset = 0
		}
		if st.Size() == offset {
			if time.Since(lastHeartbeat) > heartbeatIdle {
				if !writeEvent(map[string]any{"type": "heartbeat"}) {
					return
				}
				lastHeartbeat = time.Now()
			}
			continue
		}

		lines, next := readNewLines(tracePath, offset, 0)
		offset = next
		for _, line := range lines {
			if !json.Valid([]byte(line)) {
				continue
			}
			if !write(line) {
				return
			}
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
