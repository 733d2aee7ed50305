// Package prompt holds the system prompt profiles and the context
// assembly used on every loop turn.
package prompt

import (
	"fmt"
	"strings"

	"github.com/wardenlabs/warden/pkg/models"
)

// Model IO trace compaction bounds.
const (
	MaxModelIOMessages      = 12
	MaxModelIOChars         = 4000
	MaxModelIOResponseChars = 12000
)

const systemPromptEN = `You are an autonomous research and engineering agent working inside a disposable Linux sandbox.

ENVIRONMENT
- /work is your writable working directory. /input (if present) is read-only task input.
- A Python virtualenv at /work/.venv is already on PATH; "pip install" works without root.
- You have exactly one tool: the shell.

RESPONSE FORMAT
Every working turn must contain:
THOUGHT: <one short paragraph: what you know, what you need next, why this action>
ACTION: {"tool":"shell","args":{"cmd":"<command>"}}

The ACTION must be a single JSON object on its own line. You may emit several ACTION objects in one turn; they run in order. Chain shell steps with && where that is simpler.

NOTES DISCIPLINE
- /work/notes.md is your durable memory. Append findings, failures, and decisions as you go.
- notes.md is append-only. Use ">>" or "tee -a". Overwriting it is blocked.

EVIDENCE DISCIPLINE
- Every tool call is recorded as evidence with an id like ev_0042.
- When you deliver a final answer, stop emitting ACTIONs and include:
  STATUS_UPDATE: <VERIFIED | UNRESOLVED | BLOCKED> <short reason>
  EVIDENCE_USED: [ev_..., ev_...]
- Cite only evidence ids that exist. Claims without evidence will not be accepted.
- For "X does not exist / has not happened" answers, consult several distinct official and independent domains before concluding, and report the result as what was not found in the sources checked.

WORKING STYLE
- Act early; gather evidence with the shell instead of speculating.
- When a source fails (403, 401, 429, empty page), switch domain, tool, or approach instead of retrying the same request.
- Write final deliverables under /work.`

const systemPromptTerse = `Autonomous shell agent in a sandbox. /work writable, /input read-only, venv on PATH.

Each turn:
THOUGHT: <brief plan>
ACTION: {"tool":"shell","args":{"cmd":"..."}}

Append progress to /work/notes.md (append-only, use >>). Final answers need STATUS_UPDATE: and EVIDENCE_USED: [ev_...] with real evidence ids. Prefer acting over planning.`

var profiles = map[string]string{
	"en":    systemPromptEN,
	"terse": systemPromptTerse,
}

// Load returns the system prompt for a profile, falling back to the
// default when the profile is unknown or empty.
func Load(profile string) string {
	if p, ok := profiles[strings.TrimSpace(profile)]; ok {
		return p
	}
	return systemPromptEN
}

// Builder assembles the per-turn message stack.
type Builder struct {
	SystemPrompt string
	// SystemRole is "system" or "user"; some local chat templates
	// mishandle system messages.
	SystemRole string
	MaxChars   int
}

// Build layers the context: system prompt, epistemic banner, task,
// pinned notes, open condition lists, then as much of the history tail
// as fits under MaxChars (oldest dropped first).
func (b *Builder) Build(task string, historyTail []models.Message, notes string, st *models.EpistemicState) []models.Message {
	role := models.RoleSystem
	if b.SystemRole == models.RoleUser {
		role = models.RoleUser
	}
	msgs := []models.Message{{Role: role, Content: b.SystemPrompt}}

	if st != nil && st.Status != "" {
		msgs = append(msgs, models.Message{
			Role: models.RoleSystem, Content: fmt.Sprintf("EPISTEMIC STATE: %s", st.Status),
		})
	}
	msgs = append(msgs, models.Message{Role: models.RoleUser, Content: "PRIMARY TASK:\n" + task})

	if strings.TrimSpace(notes) != "" {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: "CURRENT NOTES (PINNED):\n" + notes})
	} else {
		msgs = append(msgs,
			models.Message{
				Role:    models.RoleSystem,
				Content: "SYSTEM WARNING: notes.md is empty. Initialize /work/notes.md now before proceeding.",
			},
			models.Message{Role: models.RoleUser, Content: "CURRENT NOTES (PINNED):\n<empty>"},
		)
	}

	if st != nil {
		if block := bulletBlock("OPEN CONSTRAINTS", st.Constraints); block != "" {
			msgs = append(msgs, models.Message{Role: models.RoleUser, Content: block})
		}
		if block := bulletBlock("UNRESOLVED REASONS", st.Unresolved); block != "" {
			msgs = append(msgs, models.Message{Role: models.RoleUser, Content: block})
		}
		if block := bulletBlock("BLOCKERS", st.Blocked); block != "" {
			msgs = append(msgs, models.Message{Role: models.RoleUser, Content: block})
		}
	}

	tail := append([]models.Message{}, historyTail...)
	assembled := append(append([]models.Message{}, msgs...), tail...)
	for TotalChars(assembled) > b.MaxChars && len(tail) > 0 {
		tail = tail[1:]
		assembled = append(append([]models.Message{}, msgs...), tail...)
	}
	return assembled
}

func bulletBlock(title string, items []string) string {
	var lines []string
	for _, item := range items {
		if item != "" {
			lines = append(lines, "- "+item)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return title + ":\n" + strings.Join(lines, "\n")
}

// TotalChars sums message content lengths, the budget unit for context
// trimming.
func TotalChars(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}

// CompactMessages bounds a message stack for the model_io trace: at
// most maxMessages entries, each clipped to maxChars, with an explicit
// omission marker.
func CompactMessages(msgs []models.Message, maxMessages, maxChars int) []models.Message {
	var out []models.Message
	if len(msgs) > maxMessages {
		out = append(out, models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf("[omitted %d earlier messages]", len(msgs)-maxMessages),
		})
		msgs = msgs[len(msgs)-maxMessages:]
	}
	for _, m := range msgs {
		out = append(out, models.Message{Role: m.Role, Content: clip(m.Content, maxChars)})
	}
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("...[truncated %d chars]", len(s)-n)
}
