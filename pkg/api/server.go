// Package api serves the run dashboard: a thin tail-and-serve layer
// over the artifact files a run writes under its work directory, plus
// run control (create sessions, launch runs, follow the trace live).
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Server owns no run state beyond process bookkeeping: everything it
// serves is read fresh from the artifact files, so it can attach to
// runs started outside the dashboard too.
type Server struct {
	baseDir string
	selfExe string
	log     *slog.Logger

	mu    sync.Mutex
	runs  map[string]*runRecord
	trace map[string]*traceState
}

type runRecord struct {
	PID       int     `json:"pid"`
	WorkDir   string  `json:"work_dir"`
	StartedAt float64 `json:"started_at"`
}

var errDeniedWorkDir = errors.New("work_dir outside base dir")

// NewServer creates a dashboard server rooted at baseDir. Relative
// work_dir parameters resolve against baseDir and may not escape it.
func NewServer(baseDir string, log *slog.Logger) (*Server, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		exe = ""
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		baseDir: abs,
		selfExe: exe,
		log:     log,
		runs:    map[string]*runRecord{},
		trace:   map[string]*traceState{},
	}, nil
}

// Router builds the gin engine with all dashboard routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/", s.indexHandler)
	r.GET("/health", s.healthHandler)

	r.GET("/sessions", s.listSessionsHandler)
	r.POST("/new_session", s.newSessionHandler)
	r.POST("/start_run", s.startRunHandler)
	r.GET("/run_status", s.runStatusHandler)

	r.GET("/notes", s.artifactHandler("notes.md"))
	r.GET("/evidence", s.artifactHandler("evidence.jsonl"))
	r.GET("/move_ledger", s.artifactHandler("move_ledger.jsonl"))
	r.GET("/query_ledger", s.artifactHandler("query_ledger.jsonl"))
	r.GET("/container_log", s.artifactHandler("container.log"))
	r.GET("/container_events", s.artifactHandler("container_events.log"))
	r.GET("/tail", s.tailHandler)

	r.GET("/metrics", s.metricsHandler)
	r.GET("/metrics_json", s.metricsJSONHandler)
	r.GET("/events", s.eventsHandler)

	return r
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	s.log.Info("dashboard listening", "addr", addr, "base_dir", s.baseDir)
	return s.Router().Run(addr)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "base_dir": s.baseDir})
}

// resolveWorkDir maps the work_dir query parameter onto an absolute
// path confined to the base dir.
func (s *Server) resolveWorkDir(workDir string) (string, error) {
	if strings.TrimSpace(workDir) == "" {
		return "", errors.New("missing work_dir")
	}
	p := workDir
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.baseDir, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(s.baseDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errDeniedWorkDir
	}
	return p, nil
}

// workDirOrAbort resolves work_dir and writes the error response itself
// when the parameter is missing or escapes the base dir.
func (s *Server) workDirOrAbort(c *gin.Context) (string, bool) {
	work, err := s.resolveWorkDir(c.Query("work_dir"))
	if err == nil {
		return work, true
	}
	status := http.StatusBadRequest
	if errors.Is(err, errDeniedWorkDir) {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
	return "", false
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
