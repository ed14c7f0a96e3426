// Package sandbox runs shell commands inside the live sandbox container and
// collects their output from the engine's multiplexed attach stream.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/agentbench/internal/container"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultEchoTarget   = "/proc/1/fd/1"
	DefaultMaxOutput    = 1 << 20
)

// ErrEmptyCommand is returned for a blank command string.
var ErrEmptyCommand = errors.New("empty command")

// Sandbox runs commands inside a container. *Executor implements it.
type Sandbox interface {
	Execute(ctx context.Context, h *container.Handle, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and for how long to wait on it.
type ExecutionRequest struct {
	// Command is shell text, run via sh -c. It is not sanitized.
	Command string

	// Timeout bounds how long output is collected. Zero = executor default.
	// A command still running afterwards keeps running in the container.
	Timeout time.Duration
}

// ExecutionResult captures the merged output of a command.
type ExecutionResult struct {
	Output    string
	TimedOut  bool // the command outlived Timeout; Output ends with the background marker
	Truncated bool // output exceeded the cap and was cut
	Duration  time.Duration
}

// BackgroundMarker is appended to the output of a command that outlives its timeout.
func BackgroundMarker(timeout time.Duration) string {
	return fmt.Sprintf("[process still running in background after %s]", timeout)
}
