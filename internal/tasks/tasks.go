// Package tasks loads benchmark task definitions.
//
// A task directory holds a manifest (manifest.yaml, manifest.yml or
// manifest.json) listing tasks in order, and one sub-directory per task:
//
//	<dir>/<name>/system.md   system prompt
//	<dir>/<name>/user.md     user prompt
//	<dir>/<name>/tests.json  optional Postman collection used for verification
//
// Tasks are addressed by their 1-based position in the manifest. A built-in
// task set is embedded for use when no directory is configured.
package tasks

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/agentbench/internal/llm"
)

//go:embed builtin
var builtinFS embed.FS

// ErrTaskNotFound is returned for a task number outside the manifest.
var ErrTaskNotFound = errors.New("task not found")

var manifestNames = []string{"manifest.yaml", "manifest.yml", "manifest.json"}

// Task is one benchmark task.
type Task struct {
	Number int    `json:"number" yaml:"-"`
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Title  string `json:"title" yaml:"title"`

	System string `json:"-" yaml:"-"`
	User   string `json:"-" yaml:"-"`
	Tests  []byte `json:"-" yaml:"-"` // nil when the task has no tests.json
}

// Messages returns the conversation seed: the system prompt followed by the user prompt.
func (t *Task) Messages() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: t.System},
		{Role: llm.RoleUser, Content: t.User},
	}
}

type manifest struct {
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// Store is an ordered, immutable set of loaded tasks.
type Store struct {
	source string
	tasks  []Task
}

// Load reads tasks from dir. An empty dir selects the embedded task set.
func Load(dir string) (*Store, error) {
	if dir == "" {
		sub, err := fs.Sub(builtinFS, "builtin")
		if err != nil {
			return nil, err
		}
		return LoadFS(sub, "builtin")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening tasks dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tasks dir %s is not a directory", dir)
	}
	return LoadFS(os.DirFS(dir), dir)
}

// LoadFS reads tasks from fsys; source names it in errors and logs.
func LoadFS(fsys fs.FS, source string) (*Store, error) {
	m, err := readManifest(fsys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	seen := make(map[string]bool, len(m.Tasks))
	for i := range m.Tasks {
		t := &m.Tasks[i]
		t.Number = i + 1
		if t.Name == "" {
			return nil, fmt.Errorf("%s: task %d has no name", source, t.Number)
		}
		if t.ID == "" {
			t.ID = t.Name
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%s: duplicate task id %q", source, t.ID)
		}
		seen[t.ID] = true

		if t.System, err = readText(fsys, path.Join(t.Name, "system.md")); err != nil {
			return nil, fmt.Errorf("%s: task %s: %w", source, t.Name, err)
		}
		if t.User, err = readText(fsys, path.Join(t.Name, "user.md")); err != nil {
			return nil, fmt.Errorf("%s: task %s: %w", source, t.Name, err)
		}
		tests, err := fs.ReadFile(fsys, path.Join(t.Name, "tests.json"))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: task %s: %w", source, t.Name, err)
		}
		t.Tests = tests
	}
	return &Store{source: source, tasks: m.Tasks}, nil
}

func readManifest(fsys fs.FS) (*manifest, error) {
	for _, name := range manifestNames {
		data, err := fs.ReadFile(fsys, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var m manifest
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(data, &m)
		} else {
			err = yaml.Unmarshal(data, &m)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("no manifest (%s)", strings.Join(manifestNames, ", "))
}

func readText(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Source names where the tasks were loaded from.
func (s *Store) Source() string { return s.source }

// Len returns the number of tasks.
func (s *Store) Len() int { return len(s.tasks) }

// List returns all tasks in manifest order.
func (s *Store) List() []Task {
	return append([]Task(nil), s.tasks...)
}

// Get returns the task with the given 1-based number.
func (s *Store) Get(number int) (*Task, error) {
	if number < 1 || number > len(s.tasks) {
		return nil, fmt.Errorf("%w: number %d (have %d)", ErrTaskNotFound, number, len(s.tasks))
	}
	t := s.tasks[number-1]
	return &t, nil
}

// ByID returns the task with the given id.
func (s *Store) ByID(id string) (*Task, error) {
	for _, t := range s.tasks {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: id %q", ErrTaskNotFound, id)
}
