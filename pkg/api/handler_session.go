package api

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

const maxSessionsListed = 200

// sessionMarkers identify a directory under <base>/work as a run
// session: any of these files makes it listable.
var sessionMarkers = []string{"trace.jsonl", "notes.md", "run.log"}

// listSessionsHandler handles GET /sessions: session work dirs under
// <base>/work, most recently active first.
func (s *Server) listSessionsHandler(c *gin.Context) {
	workRoot := filepath.Join(s.baseDir, "work")
	entries, err := os.ReadDir(workRoot)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []string{}})
		return
	}

	type stamped struct {
		mtime time.Time
		rel   string
	}
	var sessions []stamped
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, marker := range sessionMarkers {
			st, err := os.Stat(filepath.Join(workRoot, e.Name(), marker))
			if err != nil {
				continue
			}
			sessions = append(sessions, stamped{mtime: st.ModTime(), rel: "./work/" + e.Name()})
			break
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].mtime.After(sessions[j].mtime) })
	if len(sessions) > maxSessionsListed {
		sessions = sessions[:maxSessionsListed]
	}

	out := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.rel)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// newSessionHandler handles POST /new_session: allocates a fresh work
// dir under <base>/work and records the action in its session.log.
func (s *Server) newSessionHandler(c *gin.Context) {
	stamp := time.Now().Format("20060102-150405")
	rel := fmt.Sprintf("./work/ui-run-%s-%04d", stamp, 1000+rand.Intn(9000))
	work, err := s.resolveWorkDir(rel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	appendSessionLog(work, map[string]any{"type": "new_session", "work_dir": rel})
	c.JSON(http.StatusOK, gin.H{"work_dir": rel})
}

// StartRunRequest is the body of POST /start_run.
type StartRunRequest struct {
	Task         string `json:"task"`
	WorkDir      string `json:"work_dir"`
	ModelBaseURL string `json:"model_base_url"`
	ModelName    string `json:"model_name"`
	BraveAPIKey  string `json:"brave_api_key"`
	MaxSteps     *int   `json:"max_steps"`
}

// startRunHandler handles POST /start_run: launches a detached `run`
// subcommand of this binary against the chosen work dir, with its
// output captured in <work>/run.log.
func (s *Server) startRunHandler(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing task"})
		return
	}

	rel := strings.TrimSpace(req.WorkDir)
	if rel == "" {
		rel = "./work/ui-run-" + time.Now().Format("20060102-150405")
	}
	work, err := s.resolveWorkDir(rel)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "denied work_dir"})
		return
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	baseURL := strings.TrimSpace(req.ModelBaseURL)
	if baseURL == "" {
		baseURL = os.Getenv("MODEL_BASE_URL")
	}
	if baseURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "missing model_base_url: provide it in the request or set MODEL_BASE_URL",
		})
		return
	}
	modelName := strings.TrimSpace(req.ModelName)
	if modelName == "" {
		modelName = os.Getenv("MODEL_NAME")
	}
	braveKey := req.BraveAPIKey
	if braveKey == "" {
		braveKey = os.Getenv("BRAVE_API_KEY")
	}

	args := []string{"run", "--task", req.Task, "--work-dir", work, "--model-base-url", baseURL}
	if req.MaxSteps != nil && *req.MaxSteps > 0 {
		args = append(args, "--max-steps", strconv.Itoa(*req.MaxSteps))
	}
	if modelName != "" {
		args = append(args, "--model-name", modelName)
	}
	if braveKey != "" {
		args = append(args, "--brave-api-key", braveKey)
	}

	if s.selfExe == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cannot locate own executable"})
		return
	}
	logFile, err := os.OpenFile(filepath.Join(work, "run.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cmd := exec.Command(s.selfExe, args...)
	cmd.Dir = s.baseDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pid := cmd.Process.Pid
	go func() {
		defer logFile.Close()
		if err := cmd.Wait(); err != nil {
			s.log.Warn("run exited with error", "work_dir", rel, "pid", pid, "error", err)
		}
	}()

	s.mu.Lock()
	s.runs[work] = &runRecord{PID: pid, WorkDir: rel, StartedAt: float64(time.Now().UnixNano()) / 1e9}
	s.mu.Unlock()

	os.WriteFile(filepath.Join(work, "run.pid"), []byte(strconv.Itoa(pid)+"\n"), 0o644)
	appendSessionLog(work, map[string]any{
		"type": "start_run", "pid": pid, "work_dir": rel,
		"model_base_url": baseURL, "model_name": modelName,
		"has_brave_api_key": braveKey != "", "max_steps": req.MaxSteps,
	})
	s.log.Info("run started", "work_dir", rel, "pid", pid)
	c.JSON(http.StatusOK, gin.H{"pid": pid, "work_dir": rel})
}

// runStatusHandler handles GET /run_status: liveness of a run this
// dashboard process launched.
func (s *Server) runStatusHandler(c *gin.Context) {
	work, ok := s.workDirOrAbort(c)
	if !ok {
		return
	}
	s.mu.Lock()
	rec := s.runs[work]
	s.mu.Unlock()
	if rec == nil {
		c.JSON(http.StatusOK, gin.H{"status": "unknown"})
		return
	}
	status := "exited"
	if proc, err := os.FindProcess(rec.PID); err == nil && proc.Signal(syscall.Signal(0)) == nil {
		status = "running"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "pid": rec.PID})
}

// appendSessionLog appends an auditable control event to the session's
// session.log, keeping dashboard-driven actions separate from the
// run's own trace.jsonl. Best-effort only.
func appendSessionLog(workDir string, event map[string]any) {
	if _, ok := event["ts"]; !ok {
		event["ts"] = float64(time.Now().UnixNano()) / 1e9
	}
	blob, err := json.Marshal(event)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(workDir, "session.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(blob, '\n'))
}
