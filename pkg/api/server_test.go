package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestResolveWorkDir(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		workDir string
		wantErr bool
	}{
		{name: "missing", workDir: "", wantErr: true},
		{name: "relative inside", workDir: "./work/run-1", wantErr: false},
		{name: "absolute inside", workDir: s.baseDir + "/work/run-2", wantErr: false},
		{name: "escapes base dir", workDir: "../outside", wantErr: true},
		{name: "sneaky traversal", workDir: "work/../../outside", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.resolveWorkDir(tt.workDir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestIndexServed(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Warden Dashboard")
}
