//go:build integration

package cli

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/dirtidy/internal/testutil"
)

func TestCLI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	if err := h.Build(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	// Run all scenarios as subtests
	t.Run("A_RunDeduplicatesAndRenames", func(t *testing.T) {
		testRunDeduplicatesAndRenames(t, h, ctx)
	})

	t.Run("B_DryRunMode", func(t *testing.T) {
		testDryRunMode(t, h, ctx)
	})

	t.Run("C_Subfolders", func(t *testing.T) {
		testSubfolders(t, h, ctx)
	})

	t.Run("D_MissingFolderInBatch", func(t *testing.T) {
		testMissingFolderInBatch(t, h, ctx)
	})

	t.Run("E_ServeJobLifecycle", func(t *testing.T) {
		testServeJobLifecycle(t, h, ctx)
	})
}

func testRunDeduplicatesAndRenames(t *testing.T, h *Harness, ctx context.Context) {
	dir := testutil.MakeFolder(t, "holiday", map[string]string{
		"IMG_002.jpg": "beach",
		"IMG_001.jpg": "beach",
		"IMG_003.png": "sunset",
		".thumbs":     "cache",
	})

	stdout, _ := h.MustRun(ctx, "run", dir)

	want := map[string]string{
		"holiday.jpg":  "beach",
		"holiday1.png": "sunset",
		".thumbs":      "cache",
	}
	if got := testutil.ReadFolder(t, dir); !reflect.DeepEqual(got, want) {
		t.Errorf("folder contents = %v, want %v", got, want)
	}
	if !strings.Contains(stdout, "removed duplicate") {
		t.Errorf("expected removal to be logged, got:\n%s", stdout)
	}

	// A second run changes nothing
	h.MustRun(ctx, "run", dir)
	if got := testutil.ReadFolder(t, dir); !reflect.DeepEqual(got, want) {
		t.Errorf("second run changed folder: %v", got)
	}
}

func testDryRunMode(t *testing.T, h *Harness, ctx context.Context) {
	files := map[string]string{"a.txt": "same", "b.txt": "same", "c.txt": "other"}
	dir := testutil.MakeFolder(t, "notes", files)

	stdout, _ := h.MustRun(ctx, "run", "--dry-run", dir)

	if got := testutil.ReadFolder(t, dir); !reflect.DeepEqual(got, files) {
		t.Errorf("dry-run modified folder: %v", got)
	}
	for _, want := range []string{"would remove duplicate", "would rename", "dry-run"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, stdout)
		}
	}
}

func testSubfolders(t *testing.T, h *Harness, ctx context.Context) {
	root := t.TempDir()
	for name, files := range map[string]map[string]string{
		"cats":    {"x.gif": "1", "y.gif": "1"},
		"dogs":    {"z.gif": "2"},
		".hidden": {"keep.gif": "3"},
	} {
		dir := filepath.Join(root, name)
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		testutil.WriteFiles(t, dir, files)
	}

	h.MustRun(ctx, "run", "--subfolders", root)

	checks := map[string]map[string]string{
		"cats":    {"cats.gif": "1"},
		"dogs":    {"dogs.gif": "2"},
		".hidden": {"keep.gif": "3"},
	}
	for name, want := range checks {
		if got := testutil.ReadFolder(t, filepath.Join(root, name)); !reflect.DeepEqual(got, want) {
			t.Errorf("%s contents = %v, want %v", name, got, want)
		}
	}
}

func testMissingFolderInBatch(t *testing.T, h *Harness, ctx context.Context) {
	dir := testutil.MakeFolder(t, "ok", map[string]string{"a": "1"})
	missing := filepath.Join(t.TempDir(), "missing")

	stdout, stderr, exitCode, err := h.Run(ctx, "run", missing, dir)
	if err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if exitCode == 0 {
		t.Errorf("expected non-zero exit code\nstdout: %s\nstderr: %s", stdout, stderr)
	}
	if got := testutil.ReadFolder(t, dir); !reflect.DeepEqual(got, map[string]string{"ok": "1"}) {
		t.Errorf("batch did not continue past the missing folder: %v", got)
	}
}

func testServeJobLifecycle(t *testing.T, h *Harness, ctx context.Context) {
	secretFile := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secretFile, []byte("integration-secret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	h.WriteConfig(fmt.Sprintf("serve:\n  secret_file: %q\n", secretFile))

	addr := freeAddr(t)
	stop := h.Serve(ctx, addr)
	defer stop()

	dir := testutil.MakeFolder(t, "served", map[string]string{"b.txt": "x", "a.txt": "x"})
	body, _ := json.Marshal(map[string]string{"folder": dir})

	mac := hmac.New(sha256.New, []byte("integration-secret"))
	mac.Write(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/jobs", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dirtidy-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for job.Status != "completed" {
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, last status %q", job.Status)
		}
		time.Sleep(50 * time.Millisecond)

		r, err := http.Get("http://" + addr + "/jobs/" + job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		err = json.NewDecoder(r.Body).Decode(&job)
		_ = r.Body.Close()
		if err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status == "failed" || job.Status == "cancelled" {
			t.Fatalf("job ended with status %q", job.Status)
		}
	}

	want := map[string]string{"served.txt": "x"}
	if got := testutil.ReadFolder(t, dir); !reflect.DeepEqual(got, want) {
		t.Errorf("folder contents = %v, want %v", got, want)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}
