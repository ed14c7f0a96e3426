package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/jkaninda/agentbench/internal/container"
)

const (
	DefaultImage   = "postman/newman"
	DefaultNetwork = "host"

	// CollectionFile and ReportFile live in the directory passed to Run.
	CollectionFile = "tests.json"
	ReportFile     = "report.json"

	mountPoint     = "/etc/newman"
	maxFailures    = 20
	logTailOnError = 100
)

// NewmanConfig configures the newman runner. Zero fields take package defaults.
type NewmanConfig struct {
	Image     string
	Network   string // "host" lets the collection reach the sandbox's published port
	BaseURL   string // passed as the baseUrl collection variable
	PullImage bool
}

// Result is the assertion summary of one newman run.
type Result struct {
	Total    int      `json:"total"`
	Failed   int      `json:"failed"`
	ExitCode int64    `json:"exit_code"`
	Failures []string `json:"failures,omitempty"` // "<item>: <message>", at most maxFailures
}

// Passed is the number of assertions that held.
func (r *Result) Passed() int { return r.Total - r.Failed }

// NewmanRunner runs a Postman collection against the server in a one-shot
// newman container.
type NewmanRunner struct {
	runtime container.Runtime
	config  NewmanConfig
	logger  *slog.Logger
}

// NewNewmanRunner creates a runner.
func NewNewmanRunner(rt container.Runtime, cfg NewmanConfig, logger *slog.Logger) *NewmanRunner {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &NewmanRunner{runtime: rt, config: cfg, logger: logger}
}

// Command returns the newman arguments for the collection in the mounted directory.
func (n *NewmanRunner) Command() []string {
	return []string{
		"run", CollectionFile,
		"--env-var", "baseUrl=" + n.config.BaseURL,
		"-r", "cli,json",
		"--reporter-json-export", ReportFile,
	}
}

// Run executes dir/tests.json and parses dir/report.json. Failing assertions
// are not an error; a missing or unreadable report is.
func (n *NewmanRunner) Run(ctx context.Context, dir string) (*Result, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(abs, CollectionFile)); err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	reportPath := filepath.Join(abs, ReportFile)
	if err := os.Remove(reportPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale report: %w", err)
	}

	if n.config.PullImage {
		if err := n.runtime.EnsureImage(ctx, n.config.Image); err != nil {
			return nil, fmt.Errorf("pulling %s: %w", n.config.Image, err)
		}
	}

	id, err := n.runtime.Create(ctx, container.Spec{
		Image:      n.config.Image,
		Cmd:        n.Command(),
		WorkingDir: mountPoint,
		Mounts:     []container.Mount{{Source: abs, Target: mountPoint}},
		Network:    n.config.Network,
	})
	if err != nil {
		return nil, fmt.Errorf("creating newman container: %w", err)
	}
	defer func() {
		if err := n.runtime.Remove(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, container.ErrNotFound) {
			n.logger.WarnContext(ctx, "removing newman container", slog.String("id", id), slog.String("error", err.Error()))
		}
	}()

	if err := n.runtime.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("starting newman container: %w", err)
	}
	code, err := n.runtime.Wait(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("waiting for newman: %w", err)
	}

	res, err := readReport(reportPath)
	if err != nil {
		n.logger.ErrorContext(ctx, "newman produced no report",
			slog.Int64("exit_code", code),
			slog.String("output", n.logs(ctx, id)),
		)
		return nil, err
	}
	res.ExitCode = code

	n.logger.InfoContext(ctx, "api tests finished",
		slog.Int("total", res.Total),
		slog.Int("failed", res.Failed),
		slog.Int64("exit_code", code),
	)
	return res, nil
}

func (n *NewmanRunner) logs(ctx context.Context, id string) string {
	rc, err := n.runtime.Logs(ctx, id, logTailOnError)
	if err != nil {
		return ""
	}
	defer rc.Close()
	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil && out.Len() == 0 {
		return ""
	}
	return strings.ToValidUTF8(out.String(), "�")
}

type report struct {
	Run struct {
		Stats struct {
			Assertions struct {
				Total  int `json:"total"`
				Failed int `json:"failed"`
			} `json:"assertions"`
		} `json:"stats"`
		Failures []struct {
			Error struct {
				Test    string `json:"test"`
				Message string `json:"message"`
			} `json:"error"`
			Source struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"failures"`
	} `json:"run"`
}

func readReport(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening newman report: %w", err)
	}
	defer f.Close()
	return parseReport(f)
}

func parseReport(r io.Reader) (*Result, error) {
	var rep report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return nil, fmt.Errorf("parsing newman report: %w", err)
	}
	res := &Result{
		Total:  rep.Run.Stats.Assertions.Total,
		Failed: rep.Run.Stats.Assertions.Failed,
	}
	for _, f := range rep.Run.Failures {
		if len(res.Failures) == maxFailures {
			break
		}
		name := f.Source.Name
		if f.Error.Test != "" {
			name += " / " + f.Error.Test
		}
		res.Failures = append(res.Failures, fmt.Sprintf("%s: %s", name, f.Error.Message))
	}
	return res, nil
}
