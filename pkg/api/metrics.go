package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// traceMetrics aggregates counters over a run's trace.jsonl. All
// fields are monotonic for the lifetime of the server process.
type traceMetrics struct {
	EventsTotal  int            `json:"events_total"`
	EventsByType map[string]int `json:"events_by_type"`

	ToolCallsTotal   int            `json:"tool_calls_total"`
	ToolCallsByTool  map[string]int `json:"tool_calls_by_tool"`
	ToolCallsByScope map[string]int `json:"tool_calls_by_scope"`
	ToolErrorsTotal  int            `json:"tool_errors_total"`

	// PolicyTotals counts every policy_* event by its full type name.
	PolicyTotals             map[string]int `json:"policy_totals"`
	PolicyChoiceMatchedTotal int            `json:"policy_choice_matched_total"`

	VerifierScoresTotal      map[string]int `json:"verifier_scores_total"`
	VerifierLastScore        *int           `json:"verifier_last_score"`
	VerifierDurationSSum     float64        `json:"verifier_duration_s_sum"`
	VerifierDurationSCount   int            `json:"verifier_duration_s_count"`
	VerifierModelCallsTotal  int            `json:"verifier_model_calls_total"`
	VerifierModelLatencySSum float64        `json:"verifier_model_latency_s_sum"`
	VerifierModelTokensTotal int            `json:"verifier_model_tokens_total"`
	VerifierToolCallsTotal   int            `json:"verifier_tool_calls_total"`
	VerifierToolErrorsTotal  int            `json:"verifier_tool_errors_total"`
	VerifierBeforeToolsTotal int            `json:"verifier_before_tools_total"`
	VerifierGradientTotal    int            `json:"verifier_gradient_total"`

	InstructionCountSum  int `json:"verifier_instruction_count_sum"`
	InstructionCharsSum  int `json:"verifier_instruction_chars_sum"`
	InstructionHasURL    int `json:"verifier_instruction_has_url_total"`
	InstructionHasPath   int `json:"verifier_instruction_has_path_total"`
	InstructionHasCmd    int `json:"verifier_instruction_has_cmd_total"`

	ModelCallsTotal              int                `json:"model_calls_total"`
	ModelCallsByScope            map[string]int     `json:"model_calls_by_scope"`
	ModelLatencySSumByScope      map[string]float64 `json:"model_latency_s_sum_by_scope"`
	ModelTokensTotalByScope      map[string]int     `json:"model_tokens_total_by_scope"`
	ModelFinishReasonLengthTotal int                `json:"model_finish_reason_length_total"`

	MaxStep int     `json:"max_step"`
	LastTS  float64 `json:"last_ts"`
}

func newTraceMetrics() traceMetrics {
	return traceMetrics{
		EventsByType:            map[string]int{},
		ToolCallsByTool:         map[string]int{},
		ToolCallsByScope:        map[string]int{},
		PolicyTotals:            map[string]int{},
		VerifierScoresTotal:     map[string]int{"1": 0, "2": 0, "3": 0, "4": 0},
		ModelCallsByScope:       map[string]int{},
		ModelLatencySSumByScope: map[string]float64{},
		ModelTokensTotalByScope: map[string]int{},
	}
}

// traceState keeps a byte cursor into one trace.jsonl so counters stay
// monotonic across polls instead of resetting with a tail window.
type traceState struct {
	path   string
	mu     sync.Mutex
	offset int64
	m      traceMetrics
}

func newTraceState(path string) *traceState {
	return &traceState{path: path, m: newTraceMetrics()}
}

func (t *traceState) update() {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines, next := readNewLines(t.path, t.offset, 0)
	t.offset = next
	for _, line := range lines {
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		t.ingest(ev)
	}
}

func (t *traceState) ingest(ev map[string]any) {
	m := &t.m
	m.EventsTotal++
	typ := asString(ev["type"], "unknown")
	m.EventsByType[typ]++
	if step, ok := asFloat(ev["step"]); ok && int(step) > m.MaxStep {
		m.MaxStep = int(step)
	}
	if ts, ok := asFloat(ev["ts"]); ok && ts > m.LastTS {
		m.LastTS = ts
	}

	if strings.HasPrefix(typ, "policy_") {
		m.PolicyTotals[typ]++
		if typ == "policy_choice" {
			if matched, ok := ev["matched"].(bool); ok && matched {
				m.PolicyChoiceMatchedTotal++
			}
		}
	}

	switch typ {
	case "tool":
		m.ToolCallsTotal++
		m.ToolCallsByTool[asString(ev["tool"], "unknown")]++
		m.ToolCallsByScope[asString(ev["scope"], "agent")]++
		if obs, ok := ev["obs"].(map[string]any); ok {
			exitCode, hasExit := asFloat(obs["exit_code"])
			if (hasExit && exitCode != 0) || asString(obs["error"], "") != "" {
				m.ToolErrorsTotal++
			}
		}

	case "model":
		m.ModelCallsTotal++
		scope := asString(ev["scope"], "unknown")
		m.ModelCallsByScope[scope]++
		if lat, ok := asFloat(ev["latency_s"]); ok {
			m.ModelLatencySSumByScope[scope] += lat
		}
		if asString(ev["finish_reason"], "") == "length" {
			m.ModelFinishReasonLengthTotal++
		}
		if usage, ok := ev["usage"].(map[string]any); ok {
			if tok, ok := asFloat(usage["total_tokens"]); ok {
				m.ModelTokensTotalByScope[scope] += int(tok)
			}
		}

	case "verifier_gradient":
		m.VerifierGradientTotal++

	case "verifier":
		if m.ToolCallsTotal == 0 {
			m.VerifierBeforeToolsTotal++
		}
		decision, ok := ev["decision"].(map[string]any)
		if !ok {
			return
		}
		if score, ok := asFloat(decision["score"]); ok {
			key := fmt.Sprintf("%d", int(score))
			if _, tracked := m.VerifierScoresTotal[key]; tracked {
				m.VerifierScoresTotal[key]++
				n := int(score)
				m.VerifierLastScore = &n
			}
		}
		meta, ok := decision["meta"].(map[string]any)
		if !ok {
			return
		}
		if dur, ok := asFloat(meta["duration_s"]); ok && dur >= 0 {
			m.VerifierDurationSSum += dur
			m.VerifierDurationSCount++
		}
		if n, ok := asFloat(meta["verifier_model_calls"]); ok && n >= 0 {
			m.VerifierModelCallsTotal += int(n)
		}
		if lat, ok := asFloat(meta["verifier_model_latency_s"]); ok && lat >= 0 {
			m.VerifierModelLatencySSum += lat
		}
		if usage, ok := meta["verifier_usage"].(map[string]any); ok {
			if tok, ok := asFloat(usage["total_tokens"]); ok && tok >= 0 {
				m.VerifierModelTokensTotal += int(tok)
			}
		}
		if n, ok := asFloat(meta["verifier_tool_calls"]); ok && n >= 0 {
			m.VerifierToolCallsTotal += int(n)
		}
		if n, ok := asFloat(meta["verifier_tool_errors"]); ok && n >= 0 {
			m.VerifierToolErrorsTotal += int(n)
		}
		if n, ok := asFloat(meta["instruction_count"]); ok && n >= 0 {
			m.InstructionCountSum += int(n)
		}
		if n, ok := asFloat(meta["instruction_chars"]); ok && n >= 0 {
			m.InstructionCharsSum += int(n)
		}
		if b, ok := meta["instruction_has_url"].(bool); ok && b {
			m.InstructionHasURL++
		}
		if b, ok := meta["instruction_has_path"].(bool); ok && b {
			m.InstructionHasPath++
		}
		if b, ok := meta["instruction_has_cmd"].(bool); ok && b {
			m.InstructionHasCmd++
		}
	}
}

// snapshot returns a deep copy safe to serialize outside the lock.
func (t *traceState) snapshot() traceMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.m
	snap.EventsByType = cloneIntMap(t.m.EventsByType)
	snap.ToolCallsByTool = cloneIntMap(t.m.ToolCallsByTool)
	snap.ToolCallsByScope = cloneIntMap(t.m.ToolCallsByScope)
	snap.PolicyTotals = cloneIntMap(t.m.PolicyTotals)
	snap.VerifierScoresTotal = cloneIntMap(t.m.VerifierScoresTotal)
	snap.ModelCallsByScope = cloneIntMap(t.m.ModelCallsByScope)
	snap.ModelTokensTotalByScope = cloneIntMap(t.m.ModelTokensTotalByScope)
	snap.ModelLatencySSumByScope = make(map[string]float64, len(t.m.ModelLatencySSumByScope))
	for k, v := range t.m.ModelLatencySSumByScope {
		snap.ModelLatencySSumByScope[k] = v
	}
	if t.m.VerifierLastScore != nil {
		n := *t.m.VerifierLastScore
		snap.VerifierLastScore = &n
	}
	return snap
}

func (s *Server) traceStateFor(work string) *traceState {
	path := filepath.Join(work, "trace.jsonl")
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.trace[path]
	if state == nil {
		state = newTraceState(path)
		s.trace[path] = state
	}
	return state
}

// metricsHandler handles GET /metrics in Prometheus text format.
func (s *Server) metricsHandler(c *gin.Context) {
	work, ok := s.workDirOrAbort(c)
	if !ok {
		return
	}
	state := s.traceStateFor(work)
	state.update()
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8",
		[]byte(renderPrometheus(state.snapshot())))
}

// metricsJSONHandler handles GET /metrics_json for the dashboard UI.
func (s *Server) metricsJSONHandler(c *gin.Context) {
	work, ok := s.workDirOrAbort(c)
	if !ok {
		return
	}
	state := s.traceStateFor(work)
	state.update()
	c.JSON(http.StatusOK, state.snapshot())
}

func renderPrometheus(m traceMetrics) string {
	var b strings.Builder
	emit := func(name string, value any, labels ...string) {
		b.WriteString(name)
		if len(labels) == 2 {
			fmt.Fprintf(&b, "{%s=%q}", labels[0], labels[1])
		}
		fmt.Fprintf(&b, " %v\n", value)
	}
	emitMap := func(name, label string, values map[string]int) {
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			emit(name, values[k], label, k)
		}
	}

	emit("warden_events_total", m.EventsTotal)
	emitMap("warden_events_total", "type", m.EventsByType)
	emit("warden_tool_calls_total", m.ToolCallsTotal)
	emitMap("warden_tool_calls_total", "tool", m.ToolCallsByTool)
	emitMap("warden_tool_calls_total", "scope", m.ToolCallsByScope)
	emit("warden_tool_errors_total", m.ToolErrorsTotal)
	emitMap("warden_policy_events_total", "type", m.PolicyTotals)
	emit("warden_policy_choice_matched_total", m.PolicyChoiceMatchedTotal)
	emitMap("warden_verifier_scores_total", "score", m.VerifierScoresTotal)
	if m.VerifierLastScore != nil {
		emit("warden_verifier_last_score", *m.VerifierLastScore)
	}
	emit("warden_verifier_duration_seconds_sum", m.VerifierDurationSSum)
	emit("warden_verifier_duration_seconds_count", m.VerifierDurationSCount)
	emit("warden_verifier_model_calls_total", m.VerifierModelCallsTotal)
	emit("warden_verifier_model_latency_seconds_sum", m.VerifierModelLatencySSum)
	emit("warden_verifier_model_tokens_total", m.VerifierModelTokensTotal)
	emit("warden_verifier_tool_calls_total", m.VerifierToolCallsTotal)
	emit("warden_verifier_tool_errors_total", m.VerifierToolErrorsTotal)
	emit("warden_verifier_instruction_count_sum", m.InstructionCountSum)
	emit("warden_verifier_instruction_chars_sum", m.InstructionCharsSum)
	emit("warden_verifier_instruction_has_url_total", m.InstructionHasURL)
	emit("warden_verifier_instruction_has_path_total", m.InstructionHasPath)
	emit("warden_verifier_instruction_has_cmd_total", m.InstructionHasCmd)
	emit("warden_verifier_before_tools_total", m.VerifierBeforeToolsTotal)
	emit("warden_verifier_gradient_total", m.VerifierGradientTotal)
	emit("warden_model_calls_total", m.ModelCallsTotal)
	emitMap("warden_model_calls_total", "scope", m.ModelCallsByScope)
	for _, scope := range sortedKeys(m.ModelLatencySSumByScope) {
		emit("warden_model_latency_seconds_sum", m.ModelLatencySSumByScope[scope], "scope", scope)
	}
	emitMap("warden_model_tokens_total", "scope", m.ModelTokensTotalByScope)
	emit("warden_model_finish_reason_length_total", m.ModelFinishReasonLengthTotal)
	emit("warden_max_step", m.MaxStep)
	emit("warden_last_event_ts", m.LastTS)
	return b.String()
}

func cloneIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(in map[string]float64) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
