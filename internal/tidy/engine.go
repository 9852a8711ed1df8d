// Package tidy removes duplicate files from a folder and renames the
// survivors to a deterministic sequence derived from the folder name.
package tidy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/dirtidy/internal/config"
	"github.com/schaermu/dirtidy/internal/fingerprint"
	"github.com/schaermu/dirtidy/internal/scan"
)

// Job is one run of deduplication and renaming against a single folder
type Job struct {
	ID     string `json:"id"`
	Folder string `json:"folder"`
}

// NewJob creates a job with a fresh ID.
func NewJob(folder string) Job {
	return Job{ID: uuid.NewString(), Folder: folder}
}

// Engine runs jobs. An Engine may run jobs for different folders
// concurrently; it keeps no per-job state.
type Engine struct {
	cfg    config.EngineConfig
	fs     FileSystem
	logger *slog.Logger
}

// NewEngine creates a new engine. A nil fsys selects the local disk.
func NewEngine(cfg config.EngineConfig, fsys FileSystem, logger *slog.Logger) (*Engine, error) {
	if cfg.Hash == "" {
		cfg.Hash = fingerprint.SHA256
	}
	if cfg.StagingPrefix == "" {
		cfg.StagingPrefix = config.DefaultStagingPrefix
	}
	if _, err := fingerprint.New(cfg.Hash, cfg.ChunkSize); err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}
	if fsys == nil {
		fsys = NewOSFileSystem()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		cfg:    cfg,
		fs:     fsys,
		logger: logger,
	}, nil
}

// DryRun reports whether the engine only logs what it would change.
func (e *Engine) DryRun() bool {
	return e.cfg.DryRun
}

// Run executes deduplication followed by renaming for one folder.
//
// The returned summary is never nil. On cancellation it holds the work done
// so far and the error wraps ErrCancelled; nothing already removed or
// renamed is undone.
func (e *Engine) Run(ctx context.Context, job Job, progress chan<- Progress) (*Summary, error) {
	log := e.jobLogger(job)
	summary := &Summary{
		JobID:   job.ID,
		Folder:  job.Folder,
		DryRun:  e.cfg.DryRun,
		Started: time.Now(),
	}
	rep := newReporter(ctx, progress, job)
	dedupSpan, renameSpan := fullSpan.split()

	log.Info("starting job", "hash", e.cfg.Hash, "dry_run", e.cfg.DryRun)

	dedup, err := e.deduplicate(ctx, log, job.Folder, rep, dedupSpan)
	summary.addDedup(dedup)
	if err != nil {
		return e.abort(log, summary, err)
	}

	// Files that would have been removed must not show up in the dry-run plan
	var skip map[string]bool
	if e.cfg.DryRun {
		skip = dedup.removed
	}

	renamed, err := e.renameSequentially(ctx, log, job.Folder, rep, renameSpan, skip)
	summary.addRename(renamed)
	if err != nil {
		return e.abort(log, summary, err)
	}

	summary.Duration = time.Since(summary.Started)
	rep.done(filepath.Base(job.Folder))

	log.Info("job completed",
		"scanned", summary.Scanned,
		"removed", summary.Removed,
		"renamed", summary.Renamed,
		"errors", summary.Errors(),
		"freed_bytes", summary.FreedBytes,
		"duration", summary.Duration)
	return summary, nil
}

// RunFolders runs one job per folder, in order. A fatal error on one folder
// is recorded and the batch moves on; cancellation stops the batch.
func (e *Engine) RunFolders(ctx context.Context, folders []string, progress chan<- Progress) ([]*Summary, error) {
	summaries := make([]*Summary, 0, len(folders))
	var errs []error

	for _, folder := range folders {
		if ctx.Err() != nil {
			errs = append(errs, cancelled(ctx))
			break
		}

		summary, err := e.Run(ctx, NewJob(folder), progress)
		summaries = append(summaries, summary)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrCancelled) {
			errs = append(errs, err)
			break
		}
		errs = append(errs, fmt.Errorf("%s: %w", folder, err))
	}

	return summaries, errors.Join(errs...)
}

func (e *Engine) abort(log *slog.Logger, summary *Summary, err error) (*Summary, error) {
	summary.Duration = time.Since(summary.Started)
	if errors.Is(err, ErrCancelled) {
		summary.Cancelled = true
		log.Warn("job cancelled",
			"removed", summary.Removed,
			"renamed", summary.Renamed,
			"errors", summary.Errors())
		return summary, err
	}

	summary.Fatal = err.Error()
	log.Error("job failed", "error", err)
	return summary, err
}

func (e *Engine) jobLogger(job Job) *slog.Logger {
	return e.logger.With("job", job.ID, "folder", job.Folder)
}

// checkFolder resolves folder to an absolute path and verifies it is an
// existing directory.
func (e *Engine) checkFolder(folder string) (string, error) {
	dir, err := filepath.Abs(folder)
	if err != nil {
		return "", fmt.Errorf("failed to resolve folder %s: %w", folder, err)
	}

	info, err := e.fs.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrUnreadable, dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	// A volume root has no name to derive file names from
	if base := filepath.Base(dir); base == string(filepath.Separator) || base == "." {
		return "", fmt.Errorf("folder %s has no base name", dir)
	}

	return dir, nil
}

// listVisible returns the non-hidden regular files in dir.
func (e *Engine) listVisible(dir string) ([]scan.Candidate, error) {
	all, err := e.fs.List(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return scan.Visible(all), nil
}
