package verifier

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatFeedback renders a decision for the supervised agent. When the
// judge produced a structured gradient it is passed through as one JSON
// line; otherwise a human-readable score/instructions block is built.
func FormatFeedback(d *Decision) string {
	if g := d.Meta.Gradient; g != nil {
		blob, err := json.Marshal(g)
		if err == nil {
			return "VERIFIER_GRADIENT_JSON:\n" + string(blob) + "\n" +
				"Use this as coaching. Make progress with tools now. Prefer next_actions when helpful, but they are not mandatory."
		}
	}

	parts := []string{
		fmt.Sprintf("VERIFICATION SCORE: %d/4", d.Score),
		"EXPLANATION: " + d.Explanation,
	}
	if len(d.Instructions) > 0 {
		parts = append(parts, "INSTRUCTIONS (follow strictly; max 3):")
		for i, ins := range d.Instructions {
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, ins))
		}
	} else {
		parts = append(parts, "INSTRUCTIONS: (none)")
	}

	checksJSON, _ := json.Marshal(d.Checks)
	parts = append(parts, "CHECK RESULTS (evidence hooks):")
	parts = append(parts, clip(string(checksJSON), 8000))
	parts = append(parts,
		"Now revise the answer. Add concrete evidence hooks (URLs with short quotes, or /input|/work paths + commands). "+
			"Call tools if needed.")
	return strings.Join(parts, "\n")
}
