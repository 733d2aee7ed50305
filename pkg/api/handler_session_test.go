package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSessionsHandler(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	t.Run("no work root lists nothing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
	})

	t.Run("lists only dirs with run markers", func(t *testing.T) {
		writeWorkFile(t, s, "work/run-a", "notes.md", "x")
		writeWorkFile(t, s, "work/run-b", "trace.jsonl", "{}\n")
		require.NoError(t, os.MkdirAll(filepath.Join(s.baseDir, "work/no-markers"), 0o755))

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Sessions []string `json:"sessions"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.ElementsMatch(t, []string{"./work/run-a", "./work/run-b"}, resp.Sessions)
	})
}

func TestNewSessionHandler(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/new_session", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		WorkDir string `json:"work_dir"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.WorkDir, "./work/ui-run-"), resp.WorkDir)

	// The control action lands in the session's audit log.
	blob, err := os.ReadFile(filepath.Join(s.baseDir, resp.WorkDir, "session.log"))
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"type":"new_session"`)
	assert.Contains(t, string(blob), `"ts"`)
}

func TestStartRunHandler_Validation(t *testing.T) {
	// Happy-path launching is covered manually; these only exercise the
	// request validation that rejects before spawning anything.
	s := newTestServer(t)
	r := s.Router()
	t.Setenv("MODEL_BASE_URL", "")

	post := func(t *testing.T, body string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/start_run", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	t.Run("missing task", func(t *testing.T) {
		rec := post(t, `{"task":"   "}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing task")
	})

	t.Run("denied work_dir", func(t *testing.T) {
		rec := post(t, `{"task":"do it","work_dir":"../outside"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing model_base_url", func(t *testing.T) {
		rec := post(t, `{"task":"do it","work_dir":"./work/run-1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "model_base_url")
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := post(t, `{"task":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRunStatusHandler(t *testing.T) {
	s := newTestServer(t)
	r := s.Router()

	t.Run("unknown run", func(t *testing.T) {
		writeWorkFile(t, s, "work/run-1", "notes.md", "x")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run_status?work_dir=./work/run-1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"unknown"`)
	})

	t.Run("running process", func(t *testing.T) {
		work, err := s.resolveWorkDir("./work/run-live")
		require.NoError(t, err)
		s.mu.Lock()
		s.runs[work] = &runRecord{PID: os.Getpid(), WorkDir: "./work/run-live"}
		s.mu.Unlock()

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/run_status?work_dir=./work/run-live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"running"`)
	})
}
