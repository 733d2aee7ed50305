package parse

import (
	"strings"
	"testing"
)

func TestParseWithThought(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantThought string
		wantTool    string
		wantCmd     string
		wantError   bool
	}{
		{
			name:        "thought with canonical action",
			input:       "THOUGHT: list the input files\nACTION: {\"tool\":\"shell\",\"args\":{\"cmd\":\"ls /input\"}}",
			wantThought: "list the input files\nACTION:",
			wantTool:    "shell",
			wantCmd:     "ls /input",
		},
		{
			name:        "action keyword missing",
			input:       "THOUGHT: check the page\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"curl -sL https://example.org\"}}",
			wantThought: "check the page",
			wantTool:    "shell",
			wantCmd:     "curl -sL https://example.org",
		},
		{
			name:     "no thought but direct tool call",
			input:    "{\"tool\":\"shell\",\"args\":{\"cmd\":\"pwd\"}}",
			wantTool: "shell",
			wantCmd:  "pwd",
		},
		{
			name:        "args given as command string",
			input:       "THOUGHT: run it\nACTION: {\"tool\":\"shell\",\"args\":\"echo hi\"}",
			wantThought: "run it\nACTION:",
			wantTool:    "shell",
			wantCmd:     "echo hi",
		},
		{
			name:        "command key instead of cmd",
			input:       "THOUGHT: run it\nACTION: {\"tool\":\"shell\",\"args\":{\"command\":\"echo hi\"}}",
			wantThought: "run it\nACTION:",
			wantTool:    "shell",
			wantCmd:     "echo hi",
		},
		{
			name:        "raw newline inside json string",
			input:       "THOUGHT: write\nACTION: {\"tool\":\"shell\",\"args\":{\"cmd\":\"echo a\nb\"}}",
			wantThought: "write\nACTION:",
			wantTool:    "shell",
			wantCmd:     "echo a\nb",
		},
		{
			name:      "thought without any action",
			input:     "THOUGHT: I am stuck and will just think.",
			wantError: true,
		},
		{
			name:  "freeform final answer",
			input: "STATUS_UPDATE: VERIFIED\nThe launch happened on 2024-03-14.",
		},
		{
			name:      "empty output",
			input:     "   ",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseWithThought(tt.input)
			if tt.wantError {
				if got.Error == "" {
					t.Fatalf("expected an error, got %+v", got)
				}
				return
			}
			if got.Error != "" {
				t.Fatalf("unexpected error %q", got.Error)
			}
			if got.Thought != tt.wantThought {
				t.Errorf("thought = %q, want %q", got.Thought, tt.wantThought)
			}
			if got.ToolName != tt.wantTool {
				t.Errorf("tool = %q, want %q", got.ToolName, tt.wantTool)
			}
			if tt.wantCmd != "" {
				cmd, _ := got.ToolArgs["cmd"].(string)
				if cmd != tt.wantCmd {
					t.Errorf("cmd = %q, want %q", cmd, tt.wantCmd)
				}
			}
		})
	}
}

func TestTryParseToolCallShapes(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantCmd string
	}{
		{
			name:    "canonical",
			input:   `{"tool":"shell","args":{"cmd":"ls -la /work"}}`,
			wantCmd: "ls -la /work",
		},
		{
			name:    "tool named args",
			input:   `{"tool":"args","args":{"command":"cat notes.md"}}`,
			wantCmd: "cat notes.md",
		},
		{
			name:    "tool shell with top-level command",
			input:   `{"tool":"shell","command":"uname -a"}`,
			wantCmd: "uname -a",
		},
		{
			name:    "action run",
			input:   `{"action":"run","command":"grep -r foo /input"}`,
			wantCmd: "grep -r foo /input",
		},
		{
			name:    "write_file to ordinary path",
			input:   `{"action":"write_file","path":"/work/out.txt","content":"hello"}`,
			wantCmd: "cat > /work/out.txt << 'EOF'\nhello\nEOF",
		},
		{
			name:    "write_file to notes is append only",
			input:   `{"action":"write_file","path":"/work/notes.md","content":"## step"}`,
			wantCmd: "cat >> /work/notes.md << 'EOF'\n## step\nEOF",
		},
		{
			name:    "tool_name with split flags",
			input:   `{"tool_name":"ls","command_line":"ls - la / work"}`,
			wantCmd: "ls -la /work",
		},
		{
			name:    "tool_name with parameter",
			input:   `{"tool_name":"cat","parameter":"/work/notes.md"}`,
			wantCmd: "cat /work/notes.md",
		},
		{
			name:    "command object with url",
			input:   `{"command":{"tool":"curl","parameters":{"url":"https://example.org/a"}}}`,
			wantCmd: "curl -sL https://example.org/a",
		},
		{
			name:    "command object with url and output",
			input:   `{"command":{"tool":"wget","parameters":{"url":"https://example.org/f.pdf","output":"/work/f.pdf"}}}`,
			wantCmd: "wget -sL https://example.org/f.pdf -o /work/f.pdf",
		},
		{
			name:    "commands list",
			input:   `{"commands":[{"tool":"bash","parameters":{"command":"echo hi"}}]}`,
			wantCmd: "echo hi",
		},
		{
			name:    "shell object",
			input:   `{"shell":{"command":"date"}}`,
			wantCmd: "date",
		},
		{
			name:    "bare cmd",
			input:   `{"cmd":"whoami"}`,
			wantCmd: "whoami",
		},
		{
			name:    "bare command",
			input:   `{"command":"hostname"}`,
			wantCmd: "hostname",
		},
		{
			name:    "fenced json block",
			input:   "Here is my action:\n```json\n{\"tool\":\"shell\",\"args\":{\"cmd\":\"pwd\"}}\n```",
			wantCmd: "pwd",
		},
		{
			name:    "tokenized output",
			input:   `{"tool":▁"shell",▁"args":▁{"cmd":▁"ls"}}`,
			wantCmd: "ls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := TryParseToolCall(tt.input)
			if call == nil {
				t.Fatal("no tool call parsed")
			}
			if call.Tool != "shell" {
				t.Errorf("tool = %q, want shell", call.Tool)
			}
			if got := call.Cmd(); got != tt.wantCmd {
				t.Errorf("cmd = %q, want %q", got, tt.wantCmd)
			}
		})
	}
}

func TestRenameCommandKey(t *testing.T) {
	got := renameCommandKey(map[string]any{"command": "date", "timeout": 5})
	if got["cmd"] != "date" {
		t.Errorf("cmd = %v, want date", got["cmd"])
	}
	if _, ok := got["command"]; ok {
		t.Error("command key not removed")
	}
	if got["timeout"] != 5 {
		t.Errorf("timeout = %v, want 5", got["timeout"])
	}

	kept := renameCommandKey(map[string]any{"cmd": "ls", "command": "rm"})
	if kept["cmd"] != "ls" {
		t.Errorf("cmd = %v, want ls", kept["cmd"])
	}
}

func TestTryParseToolCallRejectsPlainText(t *testing.T) {
	for _, input := range []string{
		"",
		"I could not find any tool to call.",
		"STATUS_UPDATE: IN_PROGRESS",
		`{"thought":"just thinking"}`,
	} {
		if call := TryParseToolCall(input); call != nil {
			t.Errorf("parsed %q from %q, want nil", call.Tool, input)
		}
	}
}

func TestExtractToolCallsMultiple(t *testing.T) {
	input := "THOUGHT: two steps\n" +
		`{"tool":"shell","args":{"cmd":"mkdir -p /work/out"}}` + "\n" +
		`{"tool":"shell","args":{"cmd":"ls /work/out"}}`
	calls := ExtractToolCalls(input)
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Cmd() != "mkdir -p /work/out" || calls[1].Cmd() != "ls /work/out" {
		t.Errorf("unexpected commands: %q, %q", calls[0].Cmd(), calls[1].Cmd())
	}
}

func TestExtractToolCallsFallsBackToWholeText(t *testing.T) {
	input := "```json\n{\"tool\":\"shell\",\n\"args\":{\"cmd\":\"pwd\"}}\n```"
	calls := ExtractToolCalls(input)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Cmd() != "pwd" {
		t.Errorf("cmd = %q, want pwd", calls[0].Cmd())
	}
}

func TestNormalizeCommandStr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ls - la", "ls -la"},
		{"cat / work / notes.md", "cat /work/notes.md"},
		{"grep foo | head - n 5", "grep foo | head -n 5"},
		{"echo\tdone", "echo done"},
	}
	for _, tt := range tests {
		if got := normalizeCommandStr(tt.in); got != tt.want {
			t.Errorf("normalizeCommandStr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReconstructFetchCmd(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			"curl -sL https://example.org/a b c -o /work/out.html",
			"curl -sL https://example.org/abc -o /work/out.html",
		},
		{
			"curl -sL https://example.org -o /work/ out .html",
			"curl -sL https://example.org -o /work/out.html",
		},
		{
			"wget https://example.org/x",
			"wget https://example.org/x",
		},
	}
	for _, tt := range tests {
		if got := reconstructFetchCmd(tt.in); got != tt.want {
			t.Errorf("reconstructFetchCmd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripKeysRejoinsTokenizedKeys(t *testing.T) {
	call := TryParseToolCall(`{"tool _ name":"ls","command _ line":"ls /work"}`)
	if call == nil {
		t.Fatal("no tool call parsed")
	}
	if !strings.HasPrefix(call.Cmd(), "ls") {
		t.Errorf("cmd = %q", call.Cmd())
	}
}
