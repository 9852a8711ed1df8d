//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/dirtidy/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the dirtidy binary once and runs it as a subprocess
type Harness struct {
	t      *testing.T
	binary string
	home   string
}

// NewHarness creates a new test harness with an isolated HOME
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:    t,
		home: t.TempDir(),
	}
}

// Build compiles cmd/dirtidy into a temp directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "dirtidy")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/dirtidy")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

func (h *Harness) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "HOME="+h.home)
	return cmd
}

// Run executes dirtidy with args
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := h.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes dirtidy and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Serve starts "dirtidy serve" in the background and waits until it answers
// on addr. The returned func stops it with an interrupt.
func (h *Harness) Serve(ctx context.Context, addr string, args ...string) func() {
	h.t.Helper()

	cmd := h.command(ctx, append([]string{"serve", "--listen", addr}, args...)...)
	cmd.Stdout = &testWriter{t: h.t, prefix: "[serve] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[serve] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start serve: %v", err)
	}

	stop := func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				h.t.Errorf("serve exited with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			_ = cmd.Process.Kill()
			h.t.Error("serve did not stop after interrupt")
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return stop
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	stop()
	h.t.Fatalf("serve did not become ready on %s", addr)
	return nil
}

// WriteConfig writes the default config file into the harness HOME
func (h *Harness) WriteConfig(content string) {
	h.t.Helper()
	dir := filepath.Join(h.home, ".config", "dirtidy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
