package agent

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wardenlabs/warden/pkg/agent/policy"
	"github.com/wardenlabs/warden/pkg/models"
)

// maxModelNoteChars bounds model output snippets mirrored into notes.
const maxModelNoteChars = 6000

// ShellFunc runs one runtime-initiated shell command in the sandbox.
type ShellFunc func(cmd string) models.Observation

// Notes maintains /work/notes.md. Runtime writes go through the
// sandbox shell so the whole interaction surface stays shell-only and
// observable; reads come from the host-mounted file directly.
type Notes struct {
	shell    ShellFunc
	hostPath string
}

// NewNotes binds the notes file. hostPath is the host-side location of
// the mounted /work/notes.md.
func NewNotes(shell ShellFunc, hostPath string) *Notes {
	return &Notes{shell: shell, hostPath: hostPath}
}

func pyWriteScript(b64 string, appendMode bool) string {
	open := "p.write_text(data, encoding='utf-8', errors='replace')\n"
	if appendMode {
		open = "with p.open('a', encoding='utf-8', errors='replace') as f:\n" +
			"    f.write(data)\n"
	}
	return "python3 - <<'PY'\n" +
		"import base64\n" +
		"from pathlib import Path\n" +
		"data = base64.b64decode('" + b64 + "').decode('utf-8', errors='replace')\n" +
		"p = Path('/work/notes.md')\n" +
		"p.parent.mkdir(parents=True, exist_ok=True)\n" +
		open +
		"print('OK')\n" +
		"PY"
}

// Reset replaces the notes file. Only the runtime calls this, once, at
// task start; the model is held to append-only afterwards.
func (n *Notes) Reset(text string) {
	b64 := base64.StdEncoding.EncodeToString([]byte(text))
	n.shell(pyWriteScript(b64, false))
}

// Append adds text to the notes file.
func (n *Notes) Append(text string) {
	b64 := base64.StdEncoding.EncodeToString([]byte(text))
	n.shell(pyWriteScript(b64, true))
}

// Read returns the current notes content from the host mount.
func (n *Notes) Read() string {
	data, err := os.ReadFile(n.hostPath)
	if err != nil {
		return ""
	}
	return string(data)
}

// LogModelOutput mirrors a model response into the notes so tool-less
// turns remain auditable.
func (n *Notes) LogModelOutput(step int, resp, tag string) {
	if resp == "" {
		return
	}
	snippet := resp
	if len(snippet) > maxModelNoteChars {
		snippet = snippet[:maxModelNoteChars] + "\n... [truncated]"
	}
	n.Append(fmt.Sprintf("\n\n## Step %d (model_output:%s)\n%s\n", step, tag, snippet))
}

// StepBlock appends the canonical per-call block: tool, args,
// observation, and the evidence id that cites it.
func (n *Notes) StepBlock(step int, tool string, args map[string]any, obs models.Observation, evidenceID string) {
	argsJSON, _ := json.Marshal(args)
	obsJSON, _ := json.Marshal(obs)
	n.Append(fmt.Sprintf(
		"\n\n## Step %d\nTOOL: %s\nARGS: %s\nOBS: %s\nEVIDENCE_ID: %s\n",
		step, tool, argsJSON, policy.ClipHard(string(obsJSON), 2000), evidenceID))
}
