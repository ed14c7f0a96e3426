// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/agentbench/internal/container"
)

// Container is the fake's record of a created container.
type Container struct {
	ID     string
	Spec   container.Spec
	Status container.Status
	Files  map[string][]byte // absolute path -> content, from CopyTo
	Logs   []byte            // multiplexed log stream returned by Logs
}

// Runtime is a fake container.Runtime. Containers live in memory; exec
// sessions are served by ExecFunc.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*Container // keyed by name

	// ExecFunc serves Exec calls. Nil makes Exec fail.
	ExecFunc func(ctx context.Context, c *Container, cmd []string) (container.Stream, error)

	// OnStart, when set, is called after a container is started, with the
	// runtime lock held. It must not call back into the Runtime.
	OnStart func(c *Container)

	// WaitCode is the exit code returned by Wait.
	WaitCode int64

	// Err, when set for an operation name ("create", "start", "remove", "copy",
	// "inspect", "image", "logs", "pull"), is returned by that operation.
	Err map[string]error

	// MissingImages lists image refs HasImage reports as absent.
	MissingImages map[string]bool

	Pulled  []string
	Created []container.Spec
	Removed int
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{containers: make(map[string]*Container), Err: make(map[string]error)}
}

// Get returns the container registered under name, or nil.
func (r *Runtime) Get(name string) *Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containers[name]
}

// Count returns the number of live containers.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Put registers a container directly, bypassing Create.
func (r *Runtime) Put(name string, c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Files == nil {
		c.Files = make(map[string][]byte)
	}
	r.containers[name] = c
}

func (r *Runtime) Ping(context.Context) error { return r.Err["ping"] }

func (r *Runtime) Inspect(_ context.Context, nameOrID string) (*container.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["inspect"]; err != nil {
		return nil, err
	}
	name, c := r.find(nameOrID)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", container.ErrNotFound, nameOrID)
	}
	return &container.Handle{ID: c.ID, Name: name, Status: c.Status}, nil
}

func (r *Runtime) HasImage(_ context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["image"]; err != nil {
		return false, err
	}
	return !r.MissingImages[ref], nil
}

func (r *Runtime) EnsureImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["pull"]; err != nil {
		return err
	}
	r.Pulled = append(r.Pulled, ref)
	return nil
}

func (r *Runtime) Create(_ context.Context, spec container.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["create"]; err != nil {
		return "", err
	}
	if _, exists := r.containers[spec.Name]; exists && spec.Name != "" {
		return "", fmt.Errorf("conflict: container name %q is already in use", spec.Name)
	}
	id := uuid.NewString()
	name := spec.Name
	if name == "" {
		name = id
	}
	r.containers[name] = &Container{ID: id, Spec: spec, Status: container.StatusCreated, Files: make(map[string][]byte)}
	r.Created = append(r.Created, spec)
	return id, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["start"]; err != nil {
		return err
	}
	_, c := r.find(id)
	if c == nil {
		return fmt.Errorf("%w: %s", container.ErrNotFound, id)
	}
	c.Status = container.StatusRunning
	if r.OnStart != nil {
		r.OnStart(c)
	}
	return nil
}

func (r *Runtime) Wait(_ context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, c := r.find(id)
	if c == nil {
		return -1, fmt.Errorf("%w: %s", container.ErrNotFound, id)
	}
	c.Status = container.StatusStopped
	return r.WaitCode, nil
}

func (r *Runtime) Remove(_ context.Context, nameOrID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["remove"]; err != nil {
		return err
	}
	name, c := r.find(nameOrID)
	if c == nil {
		return fmt.Errorf("%w: %s", container.ErrNotFound, nameOrID)
	}
	delete(r.containers, name)
	r.Removed++
	return nil
}

func (r *Runtime) Exec(ctx context.Context, id string, cmd []string, _ string) (container.Stream, error) {
	r.mu.Lock()
	_, c := r.find(id)
	fn := r.ExecFunc
	r.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", container.ErrNotFound, id)
	}
	if fn == nil {
		return nil, errors.New("exec not configured")
	}
	return fn(ctx, c, cmd)
}

func (r *Runtime) Logs(_ context.Context, id string, _ int) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["logs"]; err != nil {
		return nil, err
	}
	_, c := r.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", container.ErrNotFound, id)
	}
	return io.NopCloser(bytes.NewReader(c.Logs)), nil
}

// CopyTo unpacks the tar archive into the container's file map.
func (r *Runtime) CopyTo(_ context.Context, id, dstDir string, archive io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err["copy"]; err != nil {
		return err
	}
	_, c := r.find(id)
	if c == nil {
		return fmt.Errorf("%w: %s", container.ErrNotFound, id)
	}
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		c.Files[path.Join(dstDir, hdr.Name)] = data
	}
}

func (r *Runtime) find(nameOrID string) (string, *Container) {
	if c, ok := r.containers[nameOrID]; ok {
		return nameOrID, c
	}
	for name, c := range r.containers {
		if c.ID == nameOrID {
			return name, c
		}
	}
	return "", nil
}
