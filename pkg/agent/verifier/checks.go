package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/wardenlabs/warden/pkg/agent/parse"
	"github.com/wardenlabs/warden/pkg/models"
)

var negativeAnswerRe = regexp.MustCompile(`^(none|no one|nobody|no member|no members)\b`)

func isNegativeAnswer(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	first := a
	if idx := strings.IndexByte(a, '\n'); idx >= 0 {
		first = a[:idx]
	}
	return negativeAnswerRe.MatchString(first)
}

// coveragePatterns marks tasks that imply a complete candidate set, the
// "which/who" and "any/ever/never" style queries where a selection or
// negative claim needs enumeration proof.
var coveragePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bwhich\b.*\bmember\b`),
	regexp.MustCompile(`\bwhich\b.*\bperson\b`),
	regexp.MustCompile(`\bwho\b.*\bmember\b`),
	regexp.MustCompile(`\bwho\b`),
	regexp.MustCompile(`\bany\b.*\bmember\b`),
	regexp.MustCompile(`\bever\b`),
	regexp.MustCompile(`\bnever\b`),
	regexp.MustCompile(`\bno one\b`),
	regexp.MustCompile(`\bnobody\b`),
	regexp.MustCompile(`\bnone\b`),
	regexp.MustCompile(`\bearliest\b`),
	regexp.MustCompile(`\blatest\b`),
	regexp.MustCompile(`\bonly\b`),
	regexp.MustCompile(`\ball\b.*\bmembers\b`),
	regexp.MustCompile(`\btouring member\b`),
	regexp.MustCompile(`\bgig\b`),
	regexp.MustCompile(`\bsession musician\b`),
}

func needsCoverage(task string) bool {
	t := strings.ToLower(task)
	for _, re := range coveragePatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}|\[.*\]`)

// extractFirstJSON pulls a single JSON object or array out of model
// output: full JSON lines first, then any JSON-looking span.
func extractFirstJSON(text string) (any, bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if (strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}")) ||
			(strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]")) {
			var data any
			if err := json.Unmarshal([]byte(line), &data); err == nil {
				return data, true
			}
		}
	}
	blob := strings.TrimSpace(jsonBlockRe.FindString(text))
	if blob == "" {
		return nil, false
	}
	var data any
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return nil, false
	}
	return data, true
}

func decomposeSystemPrompt() string {
	return auditorSystemPrompt + "\n" +
		"You are a decomposition module for a Deep Research Agent verifier.\n" +
		"Your job: propose the fewest high-leverage verification checks.\n" +
		"Use the failure taxonomy to look for risk.\n" +
		"Do NOT re-solve the task.\n" +
		"Return EXACTLY ONE LINE: a JSON array of up to 3 check objects.\n" +
		"Each check must be answerable via tools and must be yes/no.\n" +
		"Schema: [{\"kind\":\"coverage|support\",\"claim\":\"...\",\"question\":\"...\",\"source_hint\":\"(url or file path or search query)\",\"taxonomy\":\"...\"}]\n" +
		fmt.Sprintf("Failure taxonomy: %v\n", failureTaxonomy)
}

func (v *Verifier) decompose(ctx context.Context, req Request, traceSummary, evidenceSummary string) ([]Check, error) {
	answerJSON, _ := json.Marshal(map[string]string{"answer": req.Answer})
	user := buildVerifierUser(req.Task, string(answerJSON), req.NotesSnapshot, evidenceSummary)
	if traceSummary != "" {
		user += "\n\nTRAJECTORY_SUMMARY:\n" + traceSummary
	}

	res, err := v.Client.Chat(ctx, []models.Message{
		{Role: models.RoleSystem, Content: decomposeSystemPrompt()},
		{Role: models.RoleUser, Content: user + "\n\nGenerate checks now."},
	}, 0, 600)
	if err != nil {
		return nil, err
	}
	v.trace(map[string]any{
		"type": "model", "scope": "verifier_decompose", "parent_step": req.ParentStep,
		"latency_s": res.Latency.Seconds(), "usage": res.Usage,
	})
	v.trace(map[string]any{
		"type": "assistant", "scope": "verifier_decompose", "parent_step": req.ParentStep,
		"content": clip(res.Content, 20000),
	})

	data, ok := extractFirstJSON(res.Content)
	if !ok {
		return nil, nil
	}
	return parseChecks(data), nil
}

func parseChecks(data any) []Check {
	items, ok := data.([]any)
	if !ok {
		return nil
	}
	var checks []Check
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := Check{
			Kind:       strings.ToLower(strings.TrimSpace(stringOf(m["kind"]))),
			Claim:      strings.TrimSpace(stringOf(m["claim"])),
			Question:   strings.TrimSpace(stringOf(m["question"])),
			SourceHint: strings.TrimSpace(stringOf(m["source_hint"])),
			Taxonomy:   strings.TrimSpace(stringOf(m["taxonomy"])),
		}
		if c.Claim == "" || c.Question == "" {
			continue
		}
		if c.Kind != "coverage" && c.Kind != "support" {
			c.Kind = "support"
		}
		checks = append(checks, c)
		if len(checks) >= 3 {
			break
		}
	}
	return checks
}

const checkAgentSystemPrompt = "You are a verification agent.\n" +
	"You must answer the question using tools, and provide evidence hooks.\n" +
	"Rules:\n" +
	"- Prefer primary sources; avoid random blogs when possible.\n" +
	"- If a tool fails, acknowledge it and try an alternative.\n" +
	"- Do NOT re-solve the whole task. Only answer the check.\n" +
	"Tooling: there is only ONE tool: a shell command runner.\n" +
	"If you need the internet, do it from the shell.\n" +
	"Tool-call format: output EXACTLY ONE single-line JSON object with fields: tool, args.\n" +
	"When done, output EXACTLY ONE JSON line:\n" +
	"{\"answer\":\"yes|no|unknown\",\"evidence\":[{\"type\":\"url|file|cmd\",\"ref\":\"...\",\"snippet\":\"...\"}],\"notes\":\"...\"}\n"

type toolSig struct {
	tool, key, status, err string
}

func (s toolSig) String() string {
	return s.tool + "|" + s.key + "|" + s.status + "|" + s.err
}

func signatureOf(tool string, args map[string]any, obs models.Observation) toolSig {
	key := ""
	if tool == "shell" {
		key = stringOf(args["cmd"])
	} else {
		blob, _ := json.Marshal(args)
		key = string(blob)
	}
	status := ""
	if obs.ExitCode != nil {
		status = fmt.Sprintf("%d", *obs.ExitCode)
	}
	errPart := strings.Trim(obs.ErrorType+":"+obs.Error, ":")
	return toolSig{tool: tool, key: key, status: status, err: errPart}
}

// runCheck drives one small shell-only loop dedicated to a single
// check. It terminates when the model emits a final answer line, when
// the step budget runs out, or when the same failing call repeats three
// times (loop-killer).
func (v *Verifier) runCheck(ctx context.Context, check Check, parentStep, checkIdx int) CheckResult {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: checkAgentSystemPrompt},
		{Role: models.RoleUser, Content: fmt.Sprintf(
			"CLAIM: %s\nQUESTION (yes/no): %s\nSOURCE_HINT: %s\n",
			check.Claim, check.Question, check.SourceHint)},
	}
	var toolLog []ToolLogEntry
	var stats ModelStats
	seen := map[toolSig]int{}

	for step := 0; step < v.maxSteps(); step++ {
		res, err := v.Client.Chat(ctx, messages, 0, 800)
		if err != nil {
			return CheckResult{
				Answer: "unknown", Evidence: []EvidenceHook{},
				Notes:   "Verifier model call failed: " + err.Error(),
				ToolLog: tailLog(toolLog), ModelStats: stats,
			}
		}
		v.trace(map[string]any{
			"type": "model", "scope": "verifier_check", "parent_step": parentStep,
			"check_idx": checkIdx, "latency_s": res.Latency.Seconds(), "usage": res.Usage,
		})
		v.trace(map[string]any{
			"type": "assistant", "scope": "verifier_check", "parent_step": parentStep,
			"check_idx": checkIdx, "content": clip(res.Content, 20000),
		})
		stats.Calls++
		stats.LatencyS += res.Latency.Seconds()
		stats.Usage.PromptTokens += res.Usage.PromptTokens
		stats.Usage.CompletionTokens += res.Usage.CompletionTokens
		stats.Usage.TotalTokens += res.Usage.TotalTokens

		call := parse.TryParseToolCall(res.Content)
		if call == nil {
			if data, ok := extractFirstJSON(res.Content); ok {
				if m, isMap := data.(map[string]any); isMap {
					if _, hasAnswer := m["answer"]; hasAnswer {
						cr := decodeCheckResult(m)
						if cr.ToolLog == nil {
							cr.ToolLog = tailLog(toolLog)
						}
						cr.ModelStats = stats
						return cr
					}
				}
			}
			return CheckResult{
				Answer: "unknown", Evidence: []EvidenceHook{},
				Notes: "Verifier returned unstructured output.",
				Raw:   clip(res.Content, 2000), ToolLog: tailLog(toolLog), ModelStats: stats,
			}
		}

		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		var obs models.Observation
		if call.Tool != "shell" {
			obs = models.Observation{
				Error: fmt.Sprintf("Tool not allowed in verifier (shell-only mode): %s", call.Tool),
				Hint:  "Use the shell tool only. If you need the internet, do it from the shell.",
			}
		} else {
			obs = v.Shell(strings.TrimSpace(call.Cmd()))
		}

		sig := signatureOf(call.Tool, args, obs)
		seen[sig]++
		if seen[sig] >= 3 && obs.Error != "" {
			return CheckResult{
				Answer: "unknown", Evidence: []EvidenceHook{},
				Notes:      "Stopped verification early due to repeated identical failures (loop-killer).",
				ToolLog:    append(tailLog(toolLog), ToolLogEntry{Tool: call.Tool, Args: args, Obs: obs}),
				ModelStats: stats,
				LoopKiller: &LoopKiller{Signature: sig.String(), Count: seen[sig]},
			}
		}

		v.trace(map[string]any{
			"type": "tool", "scope": "verifier", "parent_step": parentStep,
			"check_idx": checkIdx, "tool": call.Tool, "args": args, "obs": obs,
		})

		toolLog = append(toolLog, ToolLogEntry{Tool: call.Tool, Args: args, Obs: obs})
		obsJSON, _ := json.Marshal(map[string]any{"tool": call.Tool, "obs": obs})
		messages = append(messages,
			models.Message{Role: models.RoleAssistant, Content: res.Content},
			models.Message{Role: models.RoleUser, Content: "OBSERVATION:\n" + clip(string(obsJSON), 12000)},
		)
	}

	return CheckResult{
		Answer: "unknown", Evidence: []EvidenceHook{},
		Notes: "Verifier hit step limit.", ToolLog: tailLog(toolLog), ModelStats: stats,
	}
}

// decodeCheckResult accepts the model's final answer line: strict
// decode first, then a permissive field-by-field fallback for slightly
// malformed shapes.
func decodeCheckResult(m map[string]any) CheckResult {
	blob, _ := json.Marshal(m)
	var cr CheckResult
	if err := json.Unmarshal(blob, &cr); err == nil {
		if cr.Evidence == nil {
			cr.Evidence = []EvidenceHook{}
		}
		return cr
	}

	cr = CheckResult{
		Answer:   stringOf(m["answer"]),
		Evidence: []EvidenceHook{},
		Notes:    stringOf(m["notes"]),
	}
	if items, ok := m["evidence"].([]any); ok {
		for _, item := range items {
			em, ok := item.(map[string]any)
			if !ok {
				continue
			}
			cr.Evidence = append(cr.Evidence, EvidenceHook{
				Type:    stringOf(em["type"]),
				Ref:     stringOf(em["ref"]),
				Snippet: stringOf(em["snippet"]),
			})
		}
	}
	return cr
}

// checkUnknown reports whether a check result fails to count as a
// confident yes/no: non-answer, tool errors in its log, or no evidence.
func checkUnknown(res CheckResult) bool {
	switch strings.ToLower(strings.TrimSpace(res.Answer)) {
	case "unknown", "", "n/a":
		return true
	}
	for _, entry := range res.ToolLog {
		if entry.Obs.Error != "" {
			return true
		}
		if entry.Tool == "shell" && entry.Obs.ExitCode != nil && *entry.Obs.ExitCode != 0 {
			return true
		}
	}
	return len(res.Evidence) == 0
}

func tailLog(log []ToolLogEntry) []ToolLogEntry {
	if len(log) > 10 {
		return log[len(log)-10:]
	}
	return log
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
