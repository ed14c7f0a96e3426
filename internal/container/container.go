// Package container owns the single named sandbox container: its creation,
// reset, removal and log retrieval. The container engine itself is reached
// through the Runtime interface; the Docker Engine API adapter lives in docker.go.
package container

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by a Runtime when the referenced container or image does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable means the sandbox container is not running. It indicates that
	// setup_container was skipped or the container was terminated.
	ErrUnavailable = errors.New("sandbox container is not available")
)

// Status is the lifecycle state of the sandbox container.
type Status int

const (
	StatusAbsent Status = iota
	StatusCreated
	StatusRunning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	default:
		return "ABSENT"
	}
}

// ParseStatus maps an engine state string ("running", "exited", ...) to a Status.
// A paused or restarting container cannot take an exec, so it counts as stopped.
func ParseStatus(state string) Status {
	switch state {
	case "created":
		return StatusCreated
	case "running":
		return StatusRunning
	case "exited", "dead", "removing", "paused", "restarting":
		return StatusStopped
	default:
		return StatusAbsent
	}
}

// Handle identifies a live sandbox container. It is returned by Manager.Reset
// and Manager.Lookup and passed explicitly to everything that talks to the container.
type Handle struct {
	ID     string
	Name   string
	Status Status
}

// ShortID returns the first 12 characters of the container ID.
func (h *Handle) ShortID() string {
	if h == nil {
		return ""
	}
	if len(h.ID) > 12 {
		return h.ID[:12]
	}
	return h.ID
}

// Mount is a host directory bind-mounted into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes a container to create.
type Spec struct {
	Name       string
	Image      string
	Cmd        []string
	WorkingDir string
	Env        []string
	Mounts     []Mount
	Ports      []string // docker port specs, e.g. "5000:5000/tcp"
	Network    string   // network mode; "" = engine default, "host" shares the host stack
}

// Stream is the attached output of an exec session. Reads honor the deadline
// set with SetReadDeadline and fail with a timeout error once it passes.
type Stream interface {
	io.Reader
	SetReadDeadline(t time.Time) error
	Close() error
}

// Runtime is the part of the container engine the sandbox depends on.
// Implementations return errors wrapping ErrNotFound for missing containers and images.
type Runtime interface {
	Ping(ctx context.Context) error
	Inspect(ctx context.Context, nameOrID string) (*Handle, error)
	HasImage(ctx context.Context, ref string) (bool, error)
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Remove(ctx context.Context, nameOrID string) error

	// Exec starts cmd inside the container without a TTY and returns the
	// multiplexed stdout/stderr stream.
	Exec(ctx context.Context, id string, cmd []string, workingDir string) (Stream, error)

	// Logs returns the multiplexed log stream of the container's main process.
	Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error)

	// CopyTo extracts a tar archive into dstDir inside the container.
	CopyTo(ctx context.Context, id, dstDir string, archive io.Reader) error
}
