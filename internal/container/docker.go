package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime implements Runtime on top of the Docker Engine API.
// Connection settings come from the standard DOCKER_HOST / DOCKER_* environment.
type DockerRuntime struct {
	client *client.Client
	logger *slog.Logger
}

// NewDockerRuntime creates a Docker Engine client with API version negotiation.
func NewDockerRuntime(logger *slog.Logger, opts ...client.Opt) (*DockerRuntime, error) {
	opts = append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{client: cli, logger: logger}, nil
}

// Close releases the underlying HTTP transport.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, nameOrID string) (*Handle, error) {
	info, err := d.client.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	h := &Handle{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		h.Status = ParseStatus(string(info.State.Status))
	}
	return h, nil
}

// HasImage reports whether ref is present in the local image store.
func (d *DockerRuntime) HasImage(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

// EnsureImage pulls ref unless it is already present locally.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	ok, err := d.HasImage(ctx, ref)
	if err != nil || ok {
		return err
	}

	d.logger.InfoContext(ctx, "pulling image", slog.String("image", ref))
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("parsing port specs: %w", err)
	}

	cfg := &dcontainer.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		ExposedPorts: exposed,
		Tty:          false,
	}
	host := &dcontainer.HostConfig{PortBindings: bindings}
	if spec.Network != "" {
		host.NetworkMode = dcontainer.NetworkMode(spec.Network)
	}
	for _, m := range spec.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		d.logger.WarnContext(ctx, "container create warning", slog.String("container", spec.Name), slog.String("warning", w))
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	return wrapNotFound(d.client.ContainerStart(ctx, id, dcontainer.StartOptions{}))
}

// Wait blocks until the container stops and returns its exit code.
func (d *DockerRuntime) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, dcontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, wrapNotFound(err)
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return st.StatusCode, fmt.Errorf("waiting for %s: %s", id, st.Error.Message)
		}
		return st.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerRuntime) Remove(ctx context.Context, nameOrID string) error {
	err := d.client.ContainerRemove(ctx, nameOrID, dcontainer.RemoveOptions{Force: true})
	return wrapNotFound(err)
}

func (d *DockerRuntime) Exec(ctx context.Context, id string, cmd []string, workingDir string) (Stream, error) {
	created, err := d.client.ContainerExecCreate(ctx, id, dcontainer.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, wrapNotFound(err)
	}
	hj, err := d.client.ContainerExecAttach(ctx, created.ID, dcontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %s: %w", created.ID, err)
	}
	return &hijackedStream{conn: hj.Conn, reader: hj.Reader, close: hj.Close}, nil
}

func (d *DockerRuntime) Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	rc, err := d.client.ContainerLogs(ctx, id, dcontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return rc, nil
}

func (d *DockerRuntime) CopyTo(ctx context.Context, id, dstDir string, archive io.Reader) error {
	err := d.client.CopyToContainer(ctx, id, dstDir, archive, dcontainer.CopyToContainerOptions{})
	return wrapNotFound(err)
}

// hijackedStream exposes an attached exec connection as a Stream.
// Reads go through the buffered reader; deadlines apply to the raw connection.
type hijackedStream struct {
	conn   net.Conn
	reader *bufio.Reader
	close  func()
}

func (s *hijackedStream) Read(p []byte) (int, error) { return s.reader.Read(p) }

func (s *hijackedStream) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

func (s *hijackedStream) Close() error {
	s.close()
	return nil
}

func wrapNotFound(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
