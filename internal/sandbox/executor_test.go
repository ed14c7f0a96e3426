package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/agentbench/internal/container"
	"github.com/jkaninda/agentbench/internal/container/containertest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExec wires a fake runtime whose exec sessions are served by feed over a net.Pipe.
type fakeExec struct {
	rt     *containertest.Runtime
	handle *container.Handle

	mu   sync.Mutex
	cmds [][]string
}

func newFakeExec(t *testing.T, feed func(w net.Conn)) *fakeExec {
	t.Helper()
	f := &fakeExec{rt: containertest.New()}
	f.rt.ExecFunc = func(_ context.Context, _ *containertest.Container, cmd []string) (container.Stream, error) {
		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		f.mu.Unlock()
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			feed(server)
		}()
		return client, nil
	}
	id, err := f.rt.Create(context.Background(), container.Spec{Name: container.DefaultName})
	if err != nil {
		t.Fatal(err)
	}
	f.handle = &container.Handle{ID: id, Name: container.DefaultName, Status: container.StatusRunning}
	return f
}

func (f *fakeExec) executor(cfg Config) *Executor {
	return NewExecutor(f.rt, cfg, discardLogger())
}

func TestExecute_FastCommand(t *testing.T) {
	f := newFakeExec(t, func(w net.Conn) {
		_, _ = w.Write(frame(1, "hello\n"))
		_, _ = w.Write(frame(2, "err\n"))
	})
	ex := f.executor(Config{PollInterval: 20 * time.Millisecond})

	timeout := 2 * time.Second
	start := time.Now()
	res, err := ex.Execute(context.Background(), f.handle, ExecutionRequest{Command: "echo hello", Timeout: timeout})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= timeout {
		t.Errorf("took %s, want < %s", elapsed, timeout)
	}
	if res.Output != "hello\nerr\n" {
		t.Errorf("output = %q", res.Output)
	}
	if res.TimedOut || strings.Contains(res.Output, "background") {
		t.Error("fast command reported as timed out")
	}
}

func TestExecute_WrapsCommand(t *testing.T) {
	f := newFakeExec(t, func(net.Conn) {})
	ex := f.executor(Config{})
	if _, err := ex.Execute(context.Background(), f.handle, ExecutionRequest{Command: "npm install && npm start"}); err != nil {
		t.Fatal(err)
	}
	got := strings.Join(f.cmds[0], " ")
	want := "sh -c (npm install && npm start) 2>&1 | tee -a /proc/1/fd/1"
	if got != want {
		t.Errorf("cmd = %q, want %q", got, want)
	}
}

func TestExecute_SplitFrames(t *testing.T) {
	f := newFakeExec(t, func(w net.Conn) {
		raw := append(frame(1, "chunk-one "), frame(1, "chunk-two")...)
		for _, part := range [][]byte{raw[:5], raw[5:12], raw[12:21], raw[21:]} {
			_, _ = w.Write(part)
			time.Sleep(15 * time.Millisecond)
		}
	})
	ex := f.executor(Config{PollInterval: 10 * time.Millisecond})
	res, err := ex.Execute(context.Background(), f.handle, ExecutionRequest{Command: "x", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "chunk-one chunk-two" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecute_TimeoutLeavesProcessRunning(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newFakeExec(t, func(w net.Conn) {
		_, _ = w.Write(frame(1, "Server listening on port 5000"))
		<-release
	})
	ex := f.executor(Config{PollInterval: 20 * time.Millisecond})

	timeout := 300 * time.Millisecond
	start := time.Now()
	res, err := ex.Execute(context.Background(), f.handle, ExecutionRequest{Command: "npm start", Timeout: timeout})
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > timeout+500*time.Millisecond {
		t.Errorf("took %s, want about %s", elapsed, timeout)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false")
	}
	want := "Server listening on port 5000\n" + BackgroundMarker(timeout)
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
}

func TestExecute_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newFakeExec(t, func(net.Conn) { <-release })
	ex := f.executor(Config{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ex.Execute(ctx, f.handle, ExecutionRequest{Command: "sleep 100", Timeout: 5 * time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestExecute_OutputCap(t *testing.T) {
	f := newFakeExec(t, func(w net.Conn) {
		_, _ = w.Write(frame(1, strings.Repeat("a", 64)))
	})
	ex := f.executor(Config{MaxOutputBytes: 16})
	res, err := ex.Execute(context.Background(), f.handle, ExecutionRequest{Command: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Output) != 16 || !res.Truncated {
		t.Errorf("len = %d truncated = %v", len(res.Output), res.Truncated)
	}
}

func TestExecute_Unavailable(t *testing.T) {
	f := newFakeExec(t, func(net.Conn) {})
	ex := f.executor(Config{})

	if _, err := ex.Execute(context.Background(), nil, ExecutionRequest{Command: "ls"}); !errors.Is(err, container.ErrUnavailable) {
		t.Errorf("nil handle: err = %v", err)
	}

	gone := &container.Handle{ID: "deadbeef", Name: "gone"}
	if _, err := ex.Execute(context.Background(), gone, ExecutionRequest{Command: "ls"}); !errors.Is(err, container.ErrUnavailable) {
		t.Errorf("missing container: err = %v", err)
	}
}

func TestExecute_EmptyCommand(t *testing.T) {
	f := newFakeExec(t, func(net.Conn) {})
	if _, err := f.executor(Config{}).Execute(context.Background(), f.handle, ExecutionRequest{Command: "  "}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("err = %v", err)
	}
}
