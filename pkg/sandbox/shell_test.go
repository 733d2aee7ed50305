package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

// fakeBackend records the last exec and returns canned output.
type fakeBackend struct {
	lastArgv []string
	exitCode int
	output   string
}

func (f *fakeBackend) Start(ctx context.Context, opts StartOptions) (*Sandbox, error) {
	return &Sandbox{ContainerID: "fake", Name: "fake"}, nil
}

func (f *fakeBackend) Exec(ctx context.Context, sb *Sandbox, argv []string, timeout time.Duration) (int, []byte, error) {
	f.lastArgv = argv
	return f.exitCode, []byte(f.output), nil
}

func (f *fakeBackend) Logs(ctx context.Context, sb *Sandbox) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeBackend) Events(ctx context.Context, sb *Sandbox) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	close(out)
	return out, make(chan error, 1)
}

func (f *fakeBackend) Stop(ctx context.Context, sb *Sandbox) error { return nil }

func newTestSession(fb *fakeBackend) *Session {
	return NewSession(fb, &Sandbox{ContainerID: "fake", Name: "fake"}, 900)
}

func TestRunDeniesDangerousCommands(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
	}{
		{"recursive force remove", "rm -rf /work"},
		{"dd", "dd if=/dev/zero of=/dev/sda"},
		{"mkfs", "mkfs.ext4 /dev/sda1"},
		{"sudo", "sudo apt install nmap"},
		{"chmod 777", "chmod 777 /etc/passwd"},
		{"fork bomb", ":(){ :|:& };:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{}
			s := newTestSession(fb)
			obs := s.Run(context.Background(), tt.cmd)
			if obs.ErrorType != "command_denied" {
				t.Errorf("error_type = %q, want command_denied", obs.ErrorType)
			}
			if !strings.Contains(obs.Error, "Denied command pattern matched") {
				t.Errorf("unexpected error message: %q", obs.Error)
			}
			if fb.lastArgv != nil {
				t.Error("denied command reached the backend")
			}
		})
	}
}

func TestRunAllowsOrdinaryCommands(t *testing.T) {
	fb := &fakeBackend{exitCode: 0, output: "hello\n"}
	s := newTestSession(fb)

	obs := s.Run(context.Background(), "echo hello")
	if obs.ExitCode == nil || *obs.ExitCode != 0 {
		t.Fatalf("exit_code = %v, want 0", obs.ExitCode)
	}
	if obs.Output != "hello\n" {
		t.Errorf("output = %q", obs.Output)
	}
	if obs.Cwd != "/work" {
		t.Errorf("cwd = %q, want /work", obs.Cwd)
	}
}

func TestSessionPersistsCwd(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(fb)

	s.Run(context.Background(), "cd /work/project && ls")
	if s.Cwd() != "/work/project" {
		t.Fatalf("cwd = %q, want /work/project", s.Cwd())
	}

	s.Run(context.Background(), "cd ../other; ls")
	if s.Cwd() != "/work/other" {
		t.Fatalf("cwd = %q, want /work/other", s.Cwd())
	}

	wrapped := fb.lastArgv[len(fb.lastArgv)-1]
	if !strings.Contains(wrapped, "cd '/work/other'") {
		t.Errorf("wrapper missing cwd prologue: %q", wrapped)
	}
}

func TestSessionRejectsCwdOutsideMounts(t *testing.T) {
	tests := []struct {
		name string
		cmd  string
	}{
		{"absolute escape", "cd /etc && cat passwd"},
		{"relative escape", "cd ../../etc && ls"},
		{"root", "cd / && ls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{}
			s := newTestSession(fb)
			obs := s.Run(context.Background(), tt.cmd)
			if obs.ErrorType != "cwd_denied" {
				t.Errorf("error_type = %q, want cwd_denied", obs.ErrorType)
			}
			if s.Cwd() != "/work" {
				t.Errorf("cwd mutated to %q", s.Cwd())
			}
		})
	}
}

func TestSessionPersistsExports(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(fb)

	s.Run(context.Background(), "export FOO=bar BAZ=qux && true")
	s.Run(context.Background(), "env")

	wrapped := fb.lastArgv[len(fb.lastArgv)-1]
	if !strings.Contains(wrapped, "export BAZ='qux'") || !strings.Contains(wrapped, "export FOO='bar'") {
		t.Errorf("wrapper missing captured exports: %q", wrapped)
	}
}

func TestSessionIgnoresInvalidExportKeys(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(fb)

	s.Run(context.Background(), "export 1BAD=x GOOD=y; true")
	s.Run(context.Background(), "true")

	wrapped := fb.lastArgv[len(fb.lastArgv)-1]
	if strings.Contains(wrapped, "1BAD") {
		t.Errorf("invalid key leaked into wrapper: %q", wrapped)
	}
	if !strings.Contains(wrapped, "export GOOD='y'") {
		t.Errorf("valid key missing from wrapper: %q", wrapped)
	}
}

func TestWrapActivatesVenv(t *testing.T) {
	fb := &fakeBackend{}
	s := newTestSession(fb)
	s.Run(context.Background(), "pip install requests")

	wrapped := fb.lastArgv[len(fb.lastArgv)-1]
	for _, want := range []string{
		"export VIRTUAL_ENV='/work/.venv'",
		"export PATH='/work/.venv/bin':$PATH",
		"export PIP_CACHE_DIR=/work/.cache/pip",
	} {
		if !strings.Contains(wrapped, want) {
			t.Errorf("wrapper missing %q: %q", want, wrapped)
		}
	}
	if !strings.HasSuffix(wrapped, "pip install requests") {
		t.Errorf("wrapper does not end with the command: %q", wrapped)
	}
}

func TestRunClipsLongOutput(t *testing.T) {
	fb := &fakeBackend{output: strings.Repeat("x", outputClip+500)}
	s := newTestSession(fb)

	obs := s.Run(context.Background(), "cat big.txt")
	if len(obs.Output) != outputClip {
		t.Errorf("output length = %d, want %d", len(obs.Output), outputClip)
	}
}

func TestShQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'"'"'s'`},
	}
	for _, tt := range tests {
		if got := ShQuote(tt.in); got != tt.want {
			t.Errorf("ShQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
