package tidy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schaermu/dirtidy/internal/fingerprint"
	"github.com/schaermu/dirtidy/internal/scan"
)

// Deduplicate removes every non-hidden file in folder whose content matches
// a file earlier in name order. The first file per fingerprint survives.
func (e *Engine) Deduplicate(ctx context.Context, folder string, progress chan<- Progress) (*DedupResult, error) {
	job := NewJob(folder)
	rep := newReporter(ctx, progress, job)

	res, err := e.deduplicate(ctx, e.jobLogger(job), folder, rep, fullSpan)
	if err != nil {
		return res, err
	}

	rep.done(filepath.Base(folder))
	return res, nil
}

func (e *Engine) deduplicate(ctx context.Context, log *slog.Logger, folder string, rep *reporter, sp span) (*DedupResult, error) {
	dir, err := e.checkFolder(folder)
	if err != nil {
		return nil, err
	}

	rep.indeterminate(PhaseListing, filepath.Base(dir))
	files, err := e.listVisible(dir)
	if err != nil {
		return nil, err
	}
	hasher, err := fingerprint.New(e.cfg.Hash, e.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	log.Info("scanning for duplicates", "files", len(files), "hash", hasher.Algorithm())

	res := &DedupResult{removed: make(map[string]bool)}
	index := make(map[string]scan.Candidate, len(files))

	for i, f := range files {
		if ctx.Err() != nil {
			log.Warn("deduplication stopped", "scanned", res.Scanned, "remaining", len(files)-i)
			return res, cancelled(ctx)
		}

		rep.step(PhaseDedup, i, len(files), f.Name, sp)
		res.Scanned++

		sum, err := e.fingerprint(hasher, f.Path)
		if err != nil {
			log.Warn("failed to fingerprint file, skipping", "path", f.Path, "error", err)
			res.Failures = append(res.Failures, Failure{Op: OpHash, Path: f.Path, Err: err})
			continue
		}

		original, seen := index[sum]
		if !seen {
			index[sum] = f
			continue
		}

		if e.cfg.DryRun {
			log.Info("[dry-run] would remove duplicate", "name", f.Name, "original", original.Name)
		} else {
			if err := e.fs.Remove(f.Path); err != nil {
				log.Error("failed to remove duplicate", "path", f.Path, "error", err)
				res.Failures = append(res.Failures, Failure{Op: OpRemove, Path: f.Path, Err: err})
				continue
			}
			log.Info("removed duplicate", "name", f.Name, "original", original.Name)
		}

		res.Removed++
		res.FreedBytes += f.Size
		res.removed[f.Name] = true
	}

	log.Info("duplicates removed",
		"scanned", res.Scanned,
		"removed", res.Removed,
		"freed_bytes", res.FreedBytes)
	return res, nil
}

func (e *Engine) fingerprint(h *fingerprint.Hasher, path string) (string, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	sum, err := h.Reader(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return sum, nil
}
