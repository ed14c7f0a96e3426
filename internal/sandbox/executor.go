package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/agentbench/internal/container"
)

// Config configures the Executor.
type Config struct {
	WorkDir        string        // Working directory inside the container.
	DefaultTimeout time.Duration // Used when a request has no timeout.
	PollInterval   time.Duration // Upper bound of a single read.
	MaxOutputBytes int           // Cap on decoded output.
	EchoTarget     string        // File the output is tee'd to; the main process stdout by default.
}

// Executor runs commands inside the sandbox container.
type Executor struct {
	runtime container.Runtime
	config  Config
	logger  *slog.Logger
}

// NewExecutor creates an Executor. Zero config fields take package defaults.
func NewExecutor(rt container.Runtime, cfg Config, logger *slog.Logger) *Executor {
	if cfg.WorkDir == "" {
		cfg.WorkDir = container.DefaultWorkDir
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutput
	}
	if cfg.EchoTarget == "" {
		cfg.EchoTarget = DefaultEchoTarget
	}
	return &Executor{runtime: rt, config: cfg, logger: logger}
}

// ShellCommand wraps command so its merged output is also appended to echoTarget.
func ShellCommand(command, echoTarget string) []string {
	return []string{"sh", "-c", fmt.Sprintf("(%s) 2>&1 | tee -a %s", command, echoTarget)}
}

type readOutcome int

const (
	readData   readOutcome = iota // bytes arrived
	readIdle                      // read deadline passed with nothing new
	readClosed                    // EOF or stream failure
)

// Execute runs req.Command in the container identified by h and returns its
// merged output. A command still running when the timeout elapses is left
// running; the partial output is returned with the background marker and
// TimedOut set. Cancelling ctx aborts collection and returns ctx.Err().
func (e *Executor) Execute(ctx context.Context, h *container.Handle, req ExecutionRequest) (*ExecutionResult, error) {
	if h == nil {
		return nil, container.ErrUnavailable
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrEmptyCommand
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	stream, err := e.runtime.Exec(ctx, h.ID, ShellCommand(req.Command, e.config.EchoTarget), e.config.WorkDir)
	if err != nil {
		if errors.Is(err, container.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", container.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("starting exec: %w", err)
	}

	e.logger.DebugContext(ctx, "exec started",
		slog.String("container", h.Name),
		slog.String("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })

	start := time.Now()
	deadline := start.Add(timeout)
	demux := NewDemuxer(e.config.MaxOutputBytes)
	buf := make([]byte, 32*1024)
	timedOut := false

loop:
	for {
		if !time.Now().Before(deadline) {
			timedOut = true
			break
		}
		switch e.read(stream, buf, deadline, demux) {
		case readClosed:
			break loop
		case readData, readIdle:
		}
	}

	if stop() {
		if err := stream.Close(); err != nil {
			e.logger.Warn("closing exec stream", slog.String("error", err.Error()))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	duration := time.Since(start)
	out := demux.String()
	if timedOut {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += BackgroundMarker(timeout)
	}
	if pending := demux.Pending(); pending > 0 && !timedOut {
		e.logger.Debug("exec stream ended mid-frame", slog.Int("pending_bytes", pending))
	}

	e.logger.InfoContext(ctx, "exec finished",
		slog.String("container", h.Name),
		slog.Duration("duration", duration),
		slog.Bool("timed_out", timedOut),
		slog.Int("output_bytes", len(out)),
	)
	return &ExecutionResult{
		Output:    out,
		TimedOut:  timedOut,
		Truncated: demux.Truncated(),
		Duration:  duration,
	}, nil
}

// read performs one deadline-bounded read and feeds the bytes to d.
func (e *Executor) read(s container.Stream, buf []byte, deadline time.Time, d *Demuxer) readOutcome {
	next := time.Now().Add(e.config.PollInterval)
	if deadline.Before(next) {
		next = deadline
	}
	if err := s.SetReadDeadline(next); err != nil {
		return readClosed
	}

	n, err := s.Read(buf)
	if n > 0 {
		_, _ = d.Write(buf[:n])
	}
	switch {
	case err == nil:
		return readData
	case isTimeout(err):
		if n > 0 {
			return readData
		}
		return readIdle
	default:
		return readClosed
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var _ Sandbox = (*Executor)(nil)
