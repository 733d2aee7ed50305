package verifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SummarizeTrace condenses the tail of trace.jsonl into a short
// trajectory summary: one line per tool call or assistant turn, plus the
// tail of notes.md when it sits next to the trace.
func SummarizeTrace(tracePath string, maxChars, notesMaxChars int) string {
	data, err := os.ReadFile(tracePath)
	if err != nil {
		return "(no trace available)"
	}

	rawLines := strings.Split(string(data), "\n")
	if len(rawLines) > 200 {
		rawLines = rawLines[len(rawLines)-200:]
	}

	var lines []string
	for _, raw := range rawLines {
		var ev map[string]any
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		switch ev["type"] {
		case "tool":
			tool, _ := ev["tool"].(string)
			args, _ := ev["args"].(map[string]any)
			obs, _ := ev["obs"].(map[string]any)
			if tool == "shell" {
				cmd, _ := args["cmd"].(string)
				lines = append(lines, fmt.Sprintf("Step %v: shell cmd=%q exit=%v", ev["step"], cmd, obs["exit_code"]))
			} else {
				lines = append(lines, fmt.Sprintf("Step %v: %s args=%v", ev["step"], tool, args))
			}
		case "assistant":
			// keep only small hints so the full answer does not leak back
			content, _ := ev["content"].(string)
			snippet := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
			if snippet != "" {
				if len(snippet) > 140 {
					snippet = snippet[:140]
				}
				lines = append(lines, fmt.Sprintf("Step %v: assistant said ~%q", ev["step"], snippet))
			}
		}
	}
	combined := strings.Join(lines, "\n")

	if notes := notesTail(filepath.Join(filepath.Dir(tracePath), "notes.md"), notesMaxChars); notes != "" {
		combined += "\n\nNOTES_TAIL:\n" + notes
	}
	return tailChars(combined, maxChars)
}

func notesTail(notesPath string, maxChars int) string {
	data, err := os.ReadFile(notesPath)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > 120 {
		lines = lines[len(lines)-120:]
	}
	return tailChars(strings.TrimSpace(strings.Join(lines, "\n")), maxChars)
}

type evidenceSummaryLine struct {
	Step        any   `json:"step"`
	Tool        any   `json:"tool"`
	ExitCode    any   `json:"exit_code"`
	FailureType any   `json:"failure_type"`
	URLs        []any `json:"urls"`
}

// SummarizeEvidenceLog condenses the tail of evidence.jsonl to one
// compact JSON line per record.
func SummarizeEvidenceLog(evidencePath string, maxChars, maxLines int) string {
	data, err := os.ReadFile(evidencePath)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	var summaries []string
	for _, raw := range lines {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			continue
		}
		obs, _ := obj["obs"].(map[string]any)
		urls, _ := obj["urls"].([]any)
		if len(urls) > 3 {
			urls = urls[:3]
		}
		if urls == nil {
			urls = []any{}
		}
		line, err := json.Marshal(evidenceSummaryLine{
			Step:        obj["step"],
			Tool:        obj["tool"],
			ExitCode:    obs["exit_code"],
			FailureType: obj["failure_type"],
			URLs:        urls,
		})
		if err != nil {
			continue
		}
		summaries = append(summaries, string(line))
	}
	out := strings.Join(summaries, "\n")
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func tailChars(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
