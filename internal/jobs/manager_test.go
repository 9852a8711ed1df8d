package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/dirtidy/internal/config"
	"github.com/schaermu/dirtidy/internal/testutil"
	"github.com/schaermu/dirtidy/internal/tidy"
)

// blockingRunner reports one progress event and then waits to be cancelled
type blockingRunner struct {
	started chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 8)}
}

func (r *blockingRunner) Run(ctx context.Context, job tidy.Job, progress chan<- tidy.Progress) (*tidy.Summary, error) {
	progress <- tidy.Progress{JobID: job.ID, Folder: job.Folder, Phase: tidy.PhaseDedup, Current: 1, Total: 2, Percent: 25}
	r.started <- job.ID
	<-ctx.Done()
	return &tidy.Summary{JobID: job.ID, Folder: job.Folder, Cancelled: true},
		fmt.Errorf("%w: %w", tidy.ErrCancelled, ctx.Err())
}

func (r *blockingRunner) factory(*slog.Logger) (Runner, error) {
	return r, nil
}

func (r *blockingRunner) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
		return ""
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Serve.LogLines = 50
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, newRunner NewRunnerFunc) *Manager {
	t.Helper()
	m, err := NewManager(cfg, newRunner, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close(5 * time.Second)
	})
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.Get(id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestManager_RunsJob(t *testing.T) {
	cfg := testConfig()
	m := newTestManager(t, cfg, EngineRunner(cfg.Engine))
	dir := testutil.MakeFolder(t, "trip", map[string]string{"a.jpg": "X", "b.jpg": "X", "c.jpg": "Y"})

	job, err := m.Start(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, job.Folder)
	assert.NotEmpty(t, job.ID)

	done := waitStatus(t, m, job.ID, StatusCompleted)
	require.NotNil(t, done.Summary)
	assert.Equal(t, 1, done.Summary.Removed)
	assert.Equal(t, 2, done.Summary.Renamed)
	require.NotNil(t, done.Progress)
	assert.Equal(t, 100.0, done.Progress.Percent)
	assert.False(t, done.Finished.IsZero())

	joined := strings.Join(done.Log, "\n")
	assert.Contains(t, joined, "removed duplicate")
	assert.Contains(t, joined, "job completed")

	_, err = os.Stat(filepath.Join(dir, "trip1.jpg"))
	assert.NoError(t, err)
}

func TestManager_FolderBusy(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, testConfig(), runner.factory)
	dir := testutil.MakeFolder(t, "busy", nil)

	job, err := m.Start(dir)
	require.NoError(t, err)
	runner.waitStarted(t)

	running := waitStatus(t, m, job.ID, StatusRunning)
	assert.Equal(t, dir, running.Folder)
	require.Eventually(t, func() bool {
		j, err := m.Get(job.ID)
		return err == nil && j.Progress != nil && j.Progress.Percent == 25
	}, 5*time.Second, 10*time.Millisecond)

	_, err = m.Start(dir)
	require.ErrorIs(t, err, ErrFolderBusy)

	_, err = m.Cancel(job.ID)
	require.NoError(t, err)
	waitStatus(t, m, job.ID, StatusCancelled)

	// The folder is free again once the job has stopped
	require.Eventually(t, func() bool {
		_, err := m.Start(dir)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_Overloaded(t *testing.T) {
	cfg := testConfig()
	cfg.Serve.MaxConcurrentJobs = 1
	runner := newBlockingRunner()
	m := newTestManager(t, cfg, runner.factory)

	_, err := m.Start(testutil.MakeFolder(t, "one", nil))
	require.NoError(t, err)
	runner.waitStarted(t)

	_, err = m.Start(testutil.MakeFolder(t, "two", nil))
	assert.ErrorIs(t, err, ErrOverloaded)
	assert.Len(t, m.List(), 1)
}

func TestManager_RejectsFolders(t *testing.T) {
	cfg := testConfig()
	allowed := t.TempDir()
	cfg.Serve.AllowedRoots = []string{allowed}
	m := newTestManager(t, cfg, newBlockingRunner().factory)

	file := filepath.Join(allowed, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	tests := []struct {
		name    string
		folder  string
		wantErr error
	}{
		{"outside roots", t.TempDir(), ErrFolderNotAllowed},
		{"missing", filepath.Join(allowed, "missing"), tidy.ErrNotFound},
		{"not a directory", file, tidy.ErrNotDirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Start(tt.folder)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, m.List())
}

func TestManager_ResolvesSymlinks(t *testing.T) {
	cfg := testConfig()
	allowed := t.TempDir()
	outside := t.TempDir()
	cfg.Serve.AllowedRoots = []string{allowed}
	runner := newBlockingRunner()
	m := newTestManager(t, cfg, runner.factory)

	if err := os.Symlink(outside, filepath.Join(allowed, "escape")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	_, err := m.Start(filepath.Join(allowed, "escape"))
	assert.ErrorIs(t, err, ErrFolderNotAllowed)

	target := filepath.Join(allowed, "album")
	require.NoError(t, os.Mkdir(target, 0755))
	require.NoError(t, os.Symlink(target, filepath.Join(allowed, "latest")))

	job, err := m.Start(filepath.Join(allowed, "latest"))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, want, job.Folder)
	runner.waitStarted(t)

	// The resolved folder is what counts as busy
	_, err = m.Start(target)
	assert.ErrorIs(t, err, ErrFolderBusy)
}

func TestManager_RunnerError(t *testing.T) {
	m := newTestManager(t, testConfig(), func(*slog.Logger) (Runner, error) {
		return nil, errors.New("boom")
	})

	job, err := m.Start(testutil.MakeFolder(t, "x", nil))
	require.NoError(t, err)

	failed := waitStatus(t, m, job.ID, StatusFailed)
	assert.Contains(t, failed.Error, "boom")
}

func TestManager_UnknownJob(t *testing.T) {
	m := newTestManager(t, testConfig(), newBlockingRunner().factory)

	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Cancel("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_Close(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, testConfig(), runner.factory)
	dir := testutil.MakeFolder(t, "c", nil)

	job, err := m.Start(dir)
	require.NoError(t, err)
	runner.waitStarted(t)

	require.NoError(t, m.Close(5*time.Second))
	waitStatus(t, m, job.ID, StatusCancelled)

	_, err = m.Start(dir)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_List(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, testConfig(), runner.factory)

	first, err := m.Start(testutil.MakeFolder(t, "a", nil))
	require.NoError(t, err)
	second, err := m.Start(testutil.MakeFolder(t, "b", nil))
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Nil(t, list[0].Log)
}

func TestStatus_Finished(t *testing.T) {
	assert.False(t, StatusQueued.Finished())
	assert.False(t, StatusRunning.Finished())
	assert.True(t, StatusCompleted.Finished())
	assert.True(t, StatusFailed.Finished())
	assert.True(t, StatusCancelled.Finished())
}
