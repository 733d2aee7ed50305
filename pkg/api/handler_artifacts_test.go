package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkFile(t *testing.T, s *Server, workDir, name, content string) {
	t.Helper()
	dir := filepath.Join(s.baseDir, workDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestArtifactHandler(t *testing.T) {
	s := newTestServer(t)
	writeWorkFile(t, s, "work/run-1", "notes.md", "# Task\nfindings\n")
	r := s.Router()

	t.Run("serves file content", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes?work_dir=./work/run-1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "findings")
	})

	t.Run("missing file reads as empty", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/evidence?work_dir=./work/run-1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("missing work_dir is a 400", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("work_dir outside base is a 403", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes?work_dir=../elsewhere", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestTailHandler(t *testing.T) {
	s := newTestServer(t)
	trace := `{"type":"task","task":"t"}` + "\n" +
		`{"type":"tool","step":1}` + "\n" +
		`{"type":"assistant","step":1}` + "\n"
	writeWorkFile(t, s, "work/run-1", "trace.jsonl", trace)
	r := s.Router()

	type tailResponse struct {
		Events []map[string]any `json:"events"`
		Offset int64            `json:"offset"`
	}
	get := func(t *testing.T, url string) tailResponse {
		t.Helper()
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp tailResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	t.Run("default tail returns all events", func(t *testing.T) {
		resp := get(t, "/tail?work_dir=./work/run-1")
		assert.Len(t, resp.Events, 3)
		assert.Equal(t, int64(len(trace)), resp.Offset)
	})

	t.Run("offset cursor picks up only appended lines", func(t *testing.T) {
		resp := get(t, "/tail?work_dir=./work/run-1&offset=0")
		require.Len(t, resp.Events, 3)

		path := filepath.Join(s.baseDir, "work/run-1", "trace.jsonl")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString(`{"type":"tool","step":2}` + "\n" + `{"type":"partial`)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		next := get(t, "/tail?work_dir=./work/run-1&offset="+jsonInt(resp.Offset))
		require.Len(t, next.Events, 1)
		assert.Equal(t, "tool", next.Events[0]["type"])

		// The torn trailing fragment is not consumed.
		again := get(t, "/tail?work_dir=./work/run-1&offset="+jsonInt(next.Offset))
		assert.Empty(t, again.Events)
		assert.Equal(t, next.Offset, again.Offset)
	})

	t.Run("limit caps returned events", func(t *testing.T) {
		resp := get(t, "/tail?work_dir=./work/run-1&offset=0&limit=2")
		assert.Len(t, resp.Events, 2)
	})

	t.Run("unknown file name is a 400", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tail?work_dir=./work/run-1&file=secrets", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing trace reads as empty", func(t *testing.T) {
		writeWorkFile(t, s, "work/run-2", "notes.md", "x")
		resp := get(t, "/tail?work_dir=./work/run-2")
		assert.Empty(t, resp.Events)
	})
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
