package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	artifactByteCap = 200_000

	tailDefaultLimit = 200
	tailMaxLimit     = 1000
)

// tailFiles maps the `file` query parameter of /tail onto the JSONL
// artifacts a run produces.
var tailFiles = map[string]string{
	"trace":    "trace.jsonl",
	"evidence": "evidence.jsonl",
	"move":     "move_ledger.jsonl",
	"query":    "query_ledger.jsonl",
}

// artifactHandler serves one artifact file as plain text, capped so a
// runaway log cannot stall the UI. Missing files read as empty.
func (s *Server) artifactHandler(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		work, ok := s.workDirOrAbort(c)
		if !ok {
			return
		}
		data, err := os.ReadFile(filepath.Join(work, name))
		if err != nil {
			c.String(http.StatusOK, "")
			return
		}
		if len(data) > artifactByteCap {
			data = data[:artifactByteCap]
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
	}
}

// tailHandler handles GET /tail?work_dir=&file=trace&offset=&limit=:
// parsed JSONL events from a byte offset, with the next offset for
// cursor-style polling. offset=-1 starts from the tail.
func (s *Server) tailHandler(c *gin.Context) {
	work, ok := s.workDirOrAbort(c)
	if !ok {
		return
	}
	name, ok := tailFiles[c.DefaultQuery("file", "trace")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file: must be trace, evidence, move, or query"})
		return
	}
	offset, err := strconv.ParseInt(c.DefaultQuery("offset", "-1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	limit := tailDefaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > tailMaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	path := filepath.Join(work, name)
	var lines []string
	var next int64
	if offset < 0 {
		lines = readLastLines(path, limit)
		if st, err := os.Stat(path); err == nil {
			next = st.Size()
		}
	} else {
		lines, next = readNewLines(path, offset, limit)
	}

	events := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		if json.Valid([]byte(line)) {
			events = append(events, json.RawMessage(line))
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "offset": next})
}
