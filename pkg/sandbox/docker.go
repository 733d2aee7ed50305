package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/wardenlabs/warden/pkg/config"
)

//go:embed Dockerfile
var sandboxDockerfile []byte

// Resource limits applied to unprivileged sandboxes. Lab-mode
// (privileged) containers run without limits.
const (
	defaultMemLimit  = "2g"
	defaultNanoCPUs  = int64(2e9)
	defaultPidsLimit = int64(256)
)

// Grace added on top of the in-container timeout wrapper before the
// attach read itself is cancelled.
const execGrace = 30 * time.Second

// DockerBackend drives sandboxes through the local Docker daemon.
type DockerBackend struct {
	cli *client.Client
	log *slog.Logger
}

// NewDockerBackend connects to the daemon configured by the standard
// DOCKER_HOST environment, negotiating the API version.
func NewDockerBackend(log *slog.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &DockerBackend{cli: cli, log: log}, nil
}

// EnsureImage makes the sandbox image available locally: inspect first,
// then pull, and finally build from the bundled Dockerfile.
func (b *DockerBackend) EnsureImage(ctx context.Context) error {
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, config.ImageName); err == nil {
		return nil
	}

	b.log.Info("sandbox image not present, pulling", "image", config.ImageName)
	if rc, err := b.cli.ImagePull(ctx, config.ImageName, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		if _, _, err := b.cli.ImageInspectWithRaw(ctx, config.ImageName); err == nil {
			return nil
		}
	}

	b.log.Info("pull failed, building sandbox image", "image", config.ImageName)
	return b.BuildImage(ctx)
}

// BuildImage builds the sandbox image from the bundled Dockerfile.
func (b *DockerBackend) BuildImage(ctx context.Context) error {
	buildCtx, err := dockerfileTar(sandboxDockerfile)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	resp, err := b.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{config.ImageName},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", config.ImageName, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("build %s: stream: %w", config.ImageName, err)
	}
	return nil
}

func dockerfileTar(dockerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Start provisions one lab container, mounts the work and input
// directories, and initializes the task virtualenv under /work/.venv.
func (b *DockerBackend) Start(ctx context.Context, opts StartOptions) (*Sandbox, error) {
	if err := b.EnsureImage(ctx); err != nil {
		return nil, err
	}

	networkMode := "none"
	if opts.NetworkEnabled {
		networkMode = "bridge"
	}

	binds := []string{opts.WorkDir + ":/work:rw"}
	if opts.InputDir != "" {
		binds = append(binds, opts.InputDir+":/input:ro")
	}

	// Lab mode disables the resource guardrails entirely so tasks can
	// install packages and drive browsers without hitting limits.
	var resources container.Resources
	memLimit := ""
	var nanoCPUs, pids int64
	if !opts.Privileged {
		memBytes, err := units.RAMInBytes(defaultMemLimit)
		if err != nil {
			return nil, fmt.Errorf("parse mem limit: %w", err)
		}
		memLimit = defaultMemLimit
		nanoCPUs = defaultNanoCPUs
		pids = defaultPidsLimit
		resources = container.Resources{
			Memory:    memBytes,
			NanoCPUs:  nanoCPUs,
			PidsLimit: &pids,
		}
	}

	name := config.ContainerNamePrefix + uuid.NewString()[:8]
	created, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      config.ImageName,
			Env:        opts.Env,
			Cmd:        []string{"bash", "-lc", "sleep infinity"},
			Tty:        true,
			OpenStdin:  true,
			WorkingDir: "/work",
		},
		&container.HostConfig{
			Binds:       binds,
			NetworkMode: container.NetworkMode(networkMode),
			Privileged:  opts.Privileged,
			Resources:   resources,
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	sb := &Sandbox{
		ContainerID: created.ID,
		Name:        name,
		MemLimit:    memLimit,
		NanoCPUs:    nanoCPUs,
		PidsLimit:   pids,
		Privileged:  opts.Privileged,
		NetworkMode: networkMode,
		WorkDir:     opts.WorkDir,
		InputDir:    opts.InputDir,
	}
	b.log.Info("sandbox started", "container", name, "network", networkMode)

	if err := b.ensureVenv(ctx, sb); err != nil {
		b.log.Warn("venv init failed", "error", err)
	}
	return sb, nil
}

func (b *DockerBackend) ensureVenv(ctx context.Context, sb *Sandbox) error {
	argv := []string{"bash", "-lc",
		"test -x /work/.venv/bin/python || python3 -m venv /work/.venv"}
	code, out, err := b.Exec(ctx, sb, argv, 120*time.Second)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("venv init exit %d: %s", code, bytes.TrimSpace(out))
	}
	return nil
}

// Exec runs argv in the sandbox via coreutils timeout and returns the
// exit code with combined stdout and stderr. A timed-out command exits
// 124 per the timeout convention.
func (b *DockerBackend) Exec(ctx context.Context, sb *Sandbox, argv []string, timeout time.Duration) (int, []byte, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout+execGrace)
		defer cancel()
	}

	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = ShQuote(a)
	}
	wrapped := fmt.Sprintf("timeout %ds %s", int(timeout.Seconds()), strings.Join(quoted, " "))

	created, err := b.cli.ContainerExecCreate(execCtx, sb.ContainerID, container.ExecOptions{
		Cmd:          []string{"bash", "-lc", wrapped},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil && execCtx.Err() == nil {
		return -1, out.Bytes(), fmt.Errorf("exec read: %w", err)
	}
	if execCtx.Err() != nil {
		return 124, out.Bytes(), nil
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, out.Bytes(), fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, out.Bytes(), nil
}

// Logs returns the follow stream of the container's own output.
func (b *DockerBackend) Logs(ctx context.Context, sb *Sandbox) (io.ReadCloser, error) {
	return b.cli.ContainerLogs(ctx, sb.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

// Events subscribes to daemon events scoped to this container and
// forwards them as JSON lines.
func (b *DockerBackend) Events(ctx context.Context, sb *Sandbox) (<-chan []byte, <-chan error) {
	msgs, errs := b.cli.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("container", sb.ContainerID)),
	})

	out := make(chan []byte)
	outErrs := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				outErrs <- err
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				line, err := encodeEvent(msg)
				if err != nil {
					continue
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErrs
}

func encodeEvent(msg events.Message) ([]byte, error) {
	type eventLine struct {
		TS     float64 `json:"ts"`
		Type   string  `json:"type"`
		Action string  `json:"action"`
		Actor  string  `json:"actor"`
		Status string  `json:"status,omitempty"`
	}
	line := eventLine{
		TS:     float64(msg.TimeNano) / 1e9,
		Type:   string(msg.Type),
		Action: string(msg.Action),
		Actor:  msg.Actor.ID,
	}
	if name, ok := msg.Actor.Attributes["name"]; ok {
		line.Status = name
	}
	return json.Marshal(line)
}

// Stop force-removes the container. Streams opened through Logs and
// Events terminate as a consequence.
func (b *DockerBackend) Stop(ctx context.Context, sb *Sandbox) error {
	err := b.cli.ContainerRemove(ctx, sb.ContainerID, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	b.log.Info("sandbox removed", "container", sb.Name)
	return nil
}

var _ Backend = (*DockerBackend)(nil)
