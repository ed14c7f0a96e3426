package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

const (
	DefaultName      = "sandbox_container"
	DefaultImage     = "node:22-slim"
	DefaultWorkDir   = "/app"
	DefaultLogTail   = 50
	defaultPortSpec  = "5000:5000/tcp"
	defaultCacheDirs = "node_modules"
)

// DefaultKeepAlive keeps the container RUNNING with no foreground task.
var DefaultKeepAlive = []string{"tail", "-f", "/dev/null"}

// Config configures the sandbox container.
type Config struct {
	Name         string   // Reserved container name.
	Image        string   // Base image.
	WorkDir      string   // Working directory and workspace mount point inside the container.
	HostDir      string   // Host workspace directory, bind-mounted read-write at WorkDir.
	KeepAlive    []string // Main process command.
	Ports        []string // Published ports.
	Env          []string
	PreserveDirs []string // Host workspace entries kept across resets (dependency caches).
	PullImage    bool     // Pull the image on reset when it is missing locally.
	Network      string   // Network mode; "" = engine default.
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if len(c.KeepAlive) == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.Ports == nil {
		c.Ports = []string{defaultPortSpec}
	}
	if c.PreserveDirs == nil {
		c.PreserveDirs = []string{defaultCacheDirs}
	}
}

// Cleaner empties the host workspace, keeping the named top-level entries.
type Cleaner interface {
	Clean(keep ...string) error
}

// Manager owns the lifecycle of the single sandbox container.
// Reset and Terminate are serialized; concurrent task runs must still be
// serialized by the caller since they share the container.
type Manager struct {
	runtime Runtime
	config  Config
	cleaner Cleaner // nil = host workspace is never cleaned
	logger  *slog.Logger

	mu sync.Mutex
}

// NewManager creates a Manager for the container described by cfg.
func NewManager(rt Runtime, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{runtime: rt, config: cfg, logger: logger}
}

// WithCleaner attaches the host workspace cleaner used by Reset.
func (m *Manager) WithCleaner(c Cleaner) *Manager {
	m.cleaner = c
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// Runtime returns the underlying container runtime.
func (m *Manager) Runtime() Runtime { return m.runtime }

// Reset replaces any existing sandbox container with a fresh one and empties
// the host workspace (except PreserveDirs). Calling it from any prior state
// yields a fresh, empty, RUNNING container.
func (m *Manager) Reset(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.remove(ctx)
	if err != nil {
		return nil, err
	}

	if m.cleaner != nil {
		if err := m.cleaner.Clean(m.config.PreserveDirs...); err != nil {
			return nil, fmt.Errorf("cleaning host workspace: %w", err)
		}
	}

	if m.config.PullImage {
		if err := m.runtime.EnsureImage(ctx, m.config.Image); err != nil {
			return nil, fmt.Errorf("ensuring image %s: %w", m.config.Image, err)
		}
	}

	spec := Spec{
		Name:       m.config.Name,
		Image:      m.config.Image,
		Cmd:        m.config.KeepAlive,
		WorkingDir: m.config.WorkDir,
		Env:        m.config.Env,
		Ports:      m.config.Ports,
		Network:    m.config.Network,
	}
	if m.config.HostDir != "" {
		spec.Mounts = []Mount{{Source: m.config.HostDir, Target: m.config.WorkDir}}
	}

	id, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", m.config.Name, err)
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("starting container %s: %w", m.config.Name, err)
	}

	h := &Handle{ID: id, Name: m.config.Name, Status: StatusRunning}
	m.logger.InfoContext(ctx, "sandbox container reset",
		slog.String("container", h.Name),
		slog.String("id", h.ShortID()),
		slog.String("image", m.config.Image),
		slog.Bool("replaced", removed),
	)
	return h, nil
}

// Terminate force-removes the sandbox container. It reports false when there
// was nothing to remove. The host workspace is left untouched.
func (m *Manager) Terminate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.remove(ctx)
	if err != nil {
		return false, err
	}
	if removed {
		m.logger.InfoContext(ctx, "sandbox container removed", slog.String("container", m.config.Name))
	}
	return removed, nil
}

// Lookup resolves the live sandbox container. It returns an error wrapping
// ErrUnavailable when the container is absent or not running.
func (m *Manager) Lookup(ctx context.Context) (*Handle, error) {
	h, err := m.runtime.Inspect(ctx, m.config.Name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrUnavailable, m.config.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", m.config.Name, err)
	}
	if h.Status != StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnavailable, m.config.Name, h.Status)
	}
	return h, nil
}

// CheckImage fails when a reset could not obtain the sandbox image: it is
// missing locally and PullImage is off.
func (m *Manager) CheckImage(ctx context.Context) error {
	ok, err := m.runtime.HasImage(ctx, m.config.Image)
	if err != nil {
		return fmt.Errorf("inspecting image %s: %w", m.config.Image, err)
	}
	if !ok && !m.config.PullImage {
		return fmt.Errorf("image %s is not present locally and pulling is disabled", m.config.Image)
	}
	return nil
}

// Describe reports the sandbox container's status and short id, e.g.
// "RUNNING 4f1c2a9b0d3e". A missing container is "ABSENT", not an error.
func (m *Manager) Describe(ctx context.Context) (string, error) {
	h, err := m.runtime.Inspect(ctx, m.config.Name)
	if errors.Is(err, ErrNotFound) {
		return StatusAbsent.String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("inspecting container %s: %w", m.config.Name, err)
	}
	return h.Status.String() + " " + h.ShortID(), nil
}

// Logs returns the last tail lines of the container's combined stdout and
// stderr. Commands run through the executor are echoed there as well.
func (m *Manager) Logs(ctx context.Context, h *Handle, tail int) (string, error) {
	if h == nil {
		return "", ErrUnavailable
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}
	rc, err := m.runtime.Logs(ctx, h.ID, tail)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnavailable, h.Name)
		}
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return strings.ToValidUTF8(buf.String(), "�"), nil
}

// remove force-removes the reserved container; a missing container is not an error.
func (m *Manager) remove(ctx context.Context) (bool, error) {
	err := m.runtime.Remove(ctx, m.config.Name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("removing container %s: %w", m.config.Name, err)
	}
	return true, nil
}
