package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/agentbench/internal/container/containertest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWaitForServer_BecomesReady(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := WaitForServer(context.Background(), srv.URL, 5*time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitForServer: %v", err)
	}
	if hits.Load() < 3 {
		t.Errorf("hits = %d, want >= 3", hits.Load())
	}
}

func TestWaitForServer_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	start := time.Now()
	err := WaitForServer(context.Background(), srv.URL, 150*time.Millisecond, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "not ready") {
		t.Errorf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %s", elapsed)
	}
}

func TestWaitForServer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if err := WaitForServer(context.Background(), url, 100*time.Millisecond, 20*time.Millisecond); err == nil {
		t.Fatal("expected error for closed server")
	}
}

const sampleReport = `{
  "collection": {"info": {"name": "auth"}},
  "run": {
    "stats": {
      "requests": {"total": 4, "pending": 0, "failed": 0},
      "assertions": {"total": 12, "pending": 0, "failed": 3}
    },
    "failures": [
      {"error": {"name": "AssertionError", "test": "status is 201", "message": "expected 404 to equal 201"}, "source": {"name": "Register"}},
      {"error": {"name": "AssertionError", "test": "has token", "message": "expected undefined to be a string"}, "source": {"name": "Login"}},
      {"error": {"name": "AssertionError", "message": "timeout"}, "source": {"name": "Profile"}}
    ]
  }
}`

func TestParseReport(t *testing.T) {
	res, err := parseReport(strings.NewReader(sampleReport))
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 12 || res.Failed != 3 || res.Passed() != 9 {
		t.Errorf("result = %+v", res)
	}
	want := []string{
		"Register / status is 201: expected 404 to equal 201",
		"Login / has token: expected undefined to be a string",
		"Profile: timeout",
	}
	if len(res.Failures) != len(want) {
		t.Fatalf("failures = %q", res.Failures)
	}
	for i := range want {
		if res.Failures[i] != want[i] {
			t.Errorf("failure %d = %q, want %q", i, res.Failures[i], want[i])
		}
	}

	if _, err := parseReport(strings.NewReader("not json")); err == nil {
		t.Error("expected error for malformed report")
	}
}

func newRunner(t *testing.T) (*NewmanRunner, *containertest.Runtime, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, CollectionFile), []byte(`{"item":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := containertest.New()
	return NewNewmanRunner(rt, NewmanConfig{BaseURL: "http://localhost:5000"}, discardLogger()), rt, dir
}

func TestNewmanRunner_Run(t *testing.T) {
	runner, rt, dir := newRunner(t)

	// A stale report from an earlier run must not be read back.
	if err := os.WriteFile(filepath.Join(dir, ReportFile), []byte(`{"run":{"stats":{"assertions":{"total":1,"failed":1}}}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	rt.WaitCode = 1 // newman exits 1 when assertions fail
	rt.OnStart = func(c *containertest.Container) {
		src := c.Spec.Mounts[0].Source
		if err := os.WriteFile(filepath.Join(src, ReportFile), []byte(sampleReport), 0o644); err != nil {
			t.Errorf("writing report: %v", err)
		}
	}

	res, err := runner.Run(context.Background(), dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Total != 12 || res.Failed != 3 || res.ExitCode != 1 {
		t.Errorf("result = %+v", res)
	}

	if len(rt.Created) != 1 {
		t.Fatalf("created %d containers", len(rt.Created))
	}
	spec := rt.Created[0]
	if spec.Image != DefaultImage || spec.Network != "host" || spec.WorkingDir != "/etc/newman" {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Mounts[0].Target != "/etc/newman" {
		t.Errorf("mount = %+v", spec.Mounts[0])
	}
	cmd := strings.Join(spec.Cmd, " ")
	if !strings.Contains(cmd, "run tests.json") || !strings.Contains(cmd, "baseUrl=http://localhost:5000") ||
		!strings.Contains(cmd, "--reporter-json-export report.json") {
		t.Errorf("cmd = %q", cmd)
	}
	if rt.Count() != 0 {
		t.Errorf("newman container not removed, %d left", rt.Count())
	}
}

func TestNewmanRunner_NoReport(t *testing.T) {
	runner, rt, dir := newRunner(t)
	rt.WaitCode = 2

	if _, err := runner.Run(context.Background(), dir); err == nil {
		t.Fatal("expected error when newman writes no report")
	}
	if rt.Count() != 0 {
		t.Error("newman container not removed after failure")
	}
}

func TestNewmanRunner_MissingCollection(t *testing.T) {
	rt := containertest.New()
	runner := NewNewmanRunner(rt, NewmanConfig{}, discardLogger())
	_, err := runner.Run(context.Background(), t.TempDir())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
	if len(rt.Created) != 0 {
		t.Error("container created without a collection")
	}
}

func TestNewmanRunner_CreateFailure(t *testing.T) {
	runner, rt, dir := newRunner(t)
	rt.Err["create"] = errors.New("daemon down")
	if _, err := runner.Run(context.Background(), dir); err == nil || !strings.Contains(err.Error(), "daemon down") {
		t.Errorf("err = %v", err)
	}
}
