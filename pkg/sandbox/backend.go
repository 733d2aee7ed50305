// Package sandbox provides the disposable execution environment the
// agent acts through: an opaque container backend plus a session shell
// wrapper that enforces the deny list and persists cd/export state.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Sandbox identifies one disposable execution environment and its
// resource attributes. Lifetime equals the lifetime of one task.
type Sandbox struct {
	ContainerID string
	Name        string
	MemLimit    string
	NanoCPUs    int64
	PidsLimit   int64
	Privileged  bool
	NetworkMode string
	WorkDir     string
	InputDir    string
}

// StartOptions configure a sandbox start. WorkDir is mounted read-write
// at /work; InputDir, when set, is mounted read-only at /input.
type StartOptions struct {
	InputDir       string
	WorkDir        string
	NetworkEnabled bool

	// Env entries ("KEY=value") exported inside the container, for
	// credentials the task's shell commands need.
	Env []string

	// Privileged enables lab mode: full container privilege with no
	// resource limits. Only safe on trusted local hosts.
	Privileged bool
}

// Backend is the opaque container runtime consumed by the supervisor.
// Implementations must mount /work rw and /input ro, and initialize the
// per-task virtualenv under /work/.venv before Start returns.
type Backend interface {
	// Start provisions a sandbox for one task.
	Start(ctx context.Context, opts StartOptions) (*Sandbox, error)

	// Exec runs argv inside the sandbox and returns the exit code plus
	// combined stdout/stderr. The timeout is a hard per-exec limit.
	Exec(ctx context.Context, sb *Sandbox, argv []string, timeout time.Duration) (int, []byte, error)

	// Logs returns the container's merged stdout/stderr stream.
	Logs(ctx context.Context, sb *Sandbox) (io.ReadCloser, error)

	// Events subscribes to backend events for this container. Each
	// element is one JSON-encoded event object.
	Events(ctx context.Context, sb *Sandbox) (<-chan []byte, <-chan error)

	// Stop tears the sandbox down, terminating any streams.
	Stop(ctx context.Context, sb *Sandbox) error
}
