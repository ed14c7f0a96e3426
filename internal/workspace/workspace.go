// Package workspace manages the host directory shared with the sandbox container.
// The directory is bind-mounted at the container's working directory; writes
// land on the host first and are then copied into the live container.
//
// Default workspace: ~/.agentbench/workspace (configurable via config or AGENTBENCH_WORKSPACE env var).
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/go-archive"

	"github.com/jkaninda/agentbench/internal/container"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".agentbench/workspace"

// DefaultExcludes are directory names never listed.
var DefaultExcludes = []string{"node_modules", ".git", "__pycache__", ".venv"}

// WriteResult reports whether a write reached the container as well as the host.
type WriteResult struct {
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
	Synced    bool   `json:"synced"`
	SyncError string `json:"sync_error,omitempty"`
}

// Workspace is the host side of the sandbox working directory.
type Workspace struct {
	Root string

	excludes   []string
	runtime    container.Runtime // nil = host-only writes
	mountPoint string
	logger     *slog.Logger
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithExcludes replaces the excluded directory patterns used by List.
// Patterns are doublestar globs matched against a directory's base name.
func WithExcludes(patterns ...string) Option {
	return func(w *Workspace) { w.excludes = patterns }
}

// WithContainer enables syncing writes into the container at mountPoint.
func WithContainer(rt container.Runtime, mountPoint string) Option {
	return func(w *Workspace) {
		w.runtime = rt
		if mountPoint != "" {
			w.mountPoint = mountPoint
		}
	}
}

// WithLogger sets the logger used for sync failures.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workspace) { w.logger = l }
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// if it does not exist.
func New(root string, opts ...Option) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:       resolved,
		excludes:   DefaultExcludes,
		mountPoint: container.DefaultWorkDir,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	for _, p := range w.excludes {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}

	if err := ensureDir(resolved, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.agentbench/workspace.
func Default(opts ...Option) (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath), opts...)
}

// List returns slash-separated paths of the regular files under the root,
// relative to it, in lexical walk order. Excluded directories are skipped.
func (w *Workspace) List() ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(w.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == w.Root {
			return nil
		}
		if d.IsDir() {
			if w.excluded(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(w.Root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking workspace: %w", err)
	}
	return files, nil
}

func (w *Workspace) excluded(name string) bool {
	for _, p := range w.excludes {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// NotFound is the text returned by Read for a missing file.
func NotFound(p string) string {
	return fmt.Sprintf("Error: %s not found", p)
}

// Read returns the content of the file at p. A missing file (or a directory)
// is not an error: the NotFound sentinel text is returned instead.
func (w *Workspace) Read(p string) (string, error) {
	full, err := w.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return NotFound(p), nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// Write stores content at p on the host, creating parent directories, and
// then copies the single file into the container identified by h.
// The container copy is best effort: on failure the host file stays written
// and the result carries Synced=false with the reason.
func (w *Workspace) Write(ctx context.Context, h *container.Handle, p, content string) (*WriteResult, error) {
	full, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	if full == w.Root {
		return nil, fmt.Errorf("cannot write to workspace root")
	}
	if err := ensureDir(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", p, err)
	}

	rel, _ := filepath.Rel(w.Root, full)
	res := &WriteResult{Path: filepath.ToSlash(rel), Bytes: len(content)}
	if err := w.sync(ctx, h, rel); err != nil {
		res.SyncError = err.Error()
		w.logger.WarnContext(ctx, "workspace write not synced to container",
			slog.String("path", res.Path),
			slog.String("error", res.SyncError),
		)
		return res, nil
	}
	res.Synced = true
	return res, nil
}

// sync tars the file at rel and extracts it at the container mount point.
func (w *Workspace) sync(ctx context.Context, h *container.Handle, rel string) error {
	if w.runtime == nil {
		return errors.New("no container runtime configured")
	}
	if h == nil {
		return container.ErrUnavailable
	}
	rd, err := archive.TarWithOptions(w.Root, &archive.TarOptions{
		IncludeFiles: []string{rel},
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", rel, err)
	}
	defer rd.Close()
	if err := w.runtime.CopyTo(ctx, h.ID, w.mountPoint, rd); err != nil {
		return fmt.Errorf("copying %s into %s: %w", rel, h.Name, err)
	}
	return nil
}

// Clean removes every top-level entry of the workspace except the named ones.
func (w *Workspace) Clean(keep ...string) error {
	entries, err := os.ReadDir(w.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading workspace dir: %w", err)
	}
	for _, entry := range entries {
		if slices.Contains(keep, entry.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.Root, entry.Name())); err != nil {
			return fmt.Errorf("removing workspace entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Resolve maps a model-supplied path to a host path inside the root.
// Paths under the container mount point (e.g. /app/src/index.js) are accepted
// too. Symlinks and ".." components are resolved without leaving the root.
func (w *Workspace) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	clean := path.Clean("/" + filepath.ToSlash(p))
	if mp := path.Clean(w.mountPoint); mp != "/" {
		if clean == mp {
			clean = "/"
		} else if strings.HasPrefix(clean, mp+"/") {
			clean = strings.TrimPrefix(clean, mp)
		}
	}
	full, err := securejoin.SecureJoin(w.Root, filepath.FromSlash(clean))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	return full, nil
}

// ensureDir creates dir and its parents. Nothing is cached: commands run in
// the container can remove directories through the bind mount at any time.
func ensureDir(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(p string) (string, error) {
	if strings.HasPrefix(p, "~/") || p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, p[1:])
	}
	return filepath.Abs(p)
}
