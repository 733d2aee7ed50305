package verifier

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/wardenlabs/warden/pkg/models"
)

const judgeSystemTail = "\n" +
	"You are a judge module for a Deep Research Agent verifier.\n" +
	"You receive: task, unverified answer, notes snapshot, and results of targeted verification checks.\n" +
	"Score 1-4: 1=entirely incorrect, 2=mostly incorrect, 3=mostly correct, 4=entirely correct.\n" +
	"Return a single-line JSON object called a 'gradient' with this minimal schema:\n" +
	"{\n" +
	"  \"score\": 1,\n" +
	"  \"explanation\": \"...\",\n" +
	"  \"missing\": [\"...\"],\n" +
	"  \"wrong\": [{\"item\":\"...\",\"why\":\"...\"}],\n" +
	"  \"next_actions\": [\n" +
	"     {\"goal\":\"...\",\"suggested_tools\":[{\"tool\":\"shell\",\"cmd\":\"...\"}],\"success_criteria\":\"...\"}\n" +
	"  ],\n" +
	"  \"stop_when\": [\"...\"],\n" +
	"  \"tool_waste\": [\"...\"],\n" +
	"  \"preferred_source\": [\"...\"]\n" +
	"}\n" +
	"Important: do NOT use the word 'formula' anywhere in the JSON keys or values.\n" +
	"Do NOT add extra text outside the JSON.\n"

var (
	formulaRe     = regexp.MustCompile(`(?i)formula`)
	scoreLineRe   = regexp.MustCompile(`\bScore\s*:\s*([1-4])\b`)
	bareScoreRe   = regexp.MustCompile(`\b([1-4])\b`)
	explanationRe = regexp.MustCompile(`Explanation\s*:\s*(.+)`)
	instructionRe = regexp.MustCompile(`(?i)^(Instruction\s*\d+:\s*)(.*)$`)
)

// sanitizeNoFormula rewrites "formula" to "composition" in all JSON
// keys and string values, recursively.
func sanitizeNoFormula(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[formulaRe.ReplaceAllString(k, "composition")] = sanitizeNoFormula(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeNoFormula(item)
		}
		return out
	case string:
		return formulaRe.ReplaceAllString(v, "composition")
	default:
		return value
	}
}

func parseJudgeScore(text string) int {
	if m := scoreLineRe.FindStringSubmatch(text); m != nil {
		return int(m[1][0] - '0')
	}
	if m := bareScoreRe.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		return int(m[1][0] - '0')
	}
	return 2
}

func parseInstructions(text string, limit int) []string {
	var instr []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := instructionRe.FindStringSubmatch(line); m != nil {
			instr = append(instr, strings.TrimSpace(m[2]))
		} else if strings.HasPrefix(line, "- ") {
			instr = append(instr, strings.TrimSpace(line[2:]))
		}
		if len(instr) >= limit {
			break
		}
	}
	var out []string
	for _, i := range instr {
		if i != "" {
			out = append(out, i)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// decodeGradient maps the sanitized judge JSON onto the typed gradient.
// Strict decode first; on a type mismatch, fall back to lifting the
// fields individually so a partially malformed gradient still coaches.
func decodeGradient(data map[string]any) *Gradient {
	clean, _ := sanitizeNoFormula(data).(map[string]any)
	blob, _ := json.Marshal(clean)
	var g Gradient
	if err := json.Unmarshal(blob, &g); err == nil {
		return &g
	}

	g = Gradient{Explanation: stringOf(clean["explanation"])}
	if n, ok := asInt(clean["score"]); ok {
		g.Score = n
	}
	g.Missing = stringList(clean["missing"])
	g.StopWhen = stringList(clean["stop_when"])
	g.ToolWaste = stringList(clean["tool_waste"])
	g.PreferredSource = stringList(clean["preferred_source"])
	if items, ok := clean["wrong"].([]any); ok {
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				g.Wrong = append(g.Wrong, WrongItem{Item: stringOf(m["item"]), Why: stringOf(m["why"])})
			}
		}
	}
	if items, ok := clean["next_actions"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			na := NextAction{
				Goal:            stringOf(m["goal"]),
				SuccessCriteria: stringOf(m["success_criteria"]),
			}
			if tools, ok := m["suggested_tools"].([]any); ok {
				for _, t := range tools {
					if tm, ok := t.(map[string]any); ok {
						na.SuggestedTools = append(na.SuggestedTools, SuggestedTool{
							Tool: stringOf(tm["tool"]), Cmd: stringOf(tm["cmd"]),
						})
					}
				}
			}
			g.NextActions = append(g.NextActions, na)
		}
	}
	return &g
}

func (v *Verifier) judge(ctx context.Context, req Request, evidenceSummary string, results []CheckWithResult) (*Decision, error) {
	answerJSON, _ := json.Marshal(map[string]string{"answer": req.Answer})
	checksJSON, _ := json.Marshal(results)
	user := buildVerifierUser(req.Task, string(answerJSON), req.NotesSnapshot, evidenceSummary) +
		"\n\nUNVERIFIED_ANSWER:\n" + req.Answer +
		"\n\nCHECK_RESULTS:\n" + clip(string(checksJSON), 12000) + "\n"

	res, err := v.Client.Chat(ctx, []models.Message{
		{Role: models.RoleSystem, Content: auditorSystemPrompt + judgeSystemTail},
		{Role: models.RoleUser, Content: user},
	}, 0, 700)
	if err != nil {
		return nil, err
	}
	v.trace(map[string]any{
		"type": "model", "scope": "verifier_judge", "parent_step": req.ParentStep,
		"latency_s": res.Latency.Seconds(), "usage": res.Usage,
	})
	v.trace(map[string]any{
		"type": "assistant", "scope": "verifier_judge", "parent_step": req.ParentStep,
		"content": clip(res.Content, 20000),
	})

	score := parseJudgeScore(res.Content)
	var explanation string
	var instructions []string
	var gradient *Gradient

	data, _ := extractFirstJSON(res.Content)
	if m, ok := data.(map[string]any); ok && len(m) > 0 {
		gradient = decodeGradient(m)
		if gradient.Score != 0 {
			score = gradient.Score
		}
		explanation = strings.TrimSpace(gradient.Explanation)
		if score <= 2 {
			for i, na := range gradient.NextActions {
				if i >= 3 {
					break
				}
				goal := strings.TrimSpace(na.Goal)
				success := strings.TrimSpace(na.SuccessCriteria)
				if goal == "" && success == "" {
					continue
				}
				instructions = append(instructions, strings.Trim(goal+" | success: "+success, " |"))
			}
			if len(instructions) > 3 {
				instructions = instructions[:3]
			}
		}
	} else {
		if m := explanationRe.FindStringSubmatch(res.Content); m != nil {
			explanation = strings.TrimSpace(m[1])
		} else if trimmed := strings.TrimSpace(res.Content); trimmed != "" {
			explanation = clip(strings.SplitN(trimmed, "\n", 2)[0], 500)
		}
		if score <= 2 {
			instructions = parseInstructions(res.Content, 3)
		}
	}

	d := &Decision{
		Score:        score,
		Explanation:  explanation,
		Instructions: instructions,
		Checks:       results,
	}
	if gradient != nil {
		d.Meta.Gradient = gradient
	}
	return d, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case int:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
