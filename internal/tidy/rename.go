package tidy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schaermu/dirtidy/internal/scan"
)

// RenameSequentially renames every non-hidden file in folder to
// <folder><n><ext> by name order. Files are first moved to staging names so
// that no final name can clash with a file still waiting to be renamed.
func (e *Engine) RenameSequentially(ctx context.Context, folder string, progress chan<- Progress) (*RenameResult, error) {
	job := NewJob(folder)
	rep := newReporter(ctx, progress, job)

	res, err := e.renameSequentially(ctx, e.jobLogger(job), folder, rep, fullSpan, nil)
	if err != nil {
		return res, err
	}

	rep.done(filepath.Base(folder))
	return res, nil
}

func (e *Engine) renameSequentially(ctx context.Context, log *slog.Logger, folder string, rep *reporter, sp span, skip map[string]bool) (*RenameResult, error) {
	dir, err := e.checkFolder(folder)
	if err != nil {
		return nil, err
	}

	rep.indeterminate(PhaseListing, filepath.Base(dir))
	visible, err := e.listVisible(dir)
	if err != nil {
		return nil, err
	}

	// Staging names must also avoid directories and symlinks
	names, err := e.fs.Names(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}

	files := make([]scan.Candidate, 0, len(visible))
	for _, f := range visible {
		if !skip[f.Name] {
			files = append(files, f)
		}
	}

	plan := buildPlan(dir, names, files, e.cfg.StagingPrefix)
	res := &RenameResult{Planned: len(plan.Ops)}
	log.Info("rename plan", "files", len(plan.Ops), "base", plan.Base)

	if e.cfg.DryRun {
		e.logPlanDetails(log, plan)
		res.Ops = plan.Ops
		res.Renamed = len(plan.Ops)
		return res, nil
	}

	stageSpan, commitSpan := sp.split()
	staged, stopped := e.stage(ctx, log, plan, rep, stageSpan, res)

	// Final names count only files that made it through staging
	assignFinal(plan.Base, staged)
	e.commit(log, plan, staged, rep, commitSpan, res)

	log.Info("files renamed", "renamed", res.Renamed, "failed", len(res.Failures))
	if stopped {
		return res, cancelled(ctx)
	}
	return res, nil
}

// stage moves every planned file to its staging name. It stops early when
// ctx is cancelled and reports that with stopped.
func (e *Engine) stage(ctx context.Context, log *slog.Logger, plan *RenamePlan, rep *reporter, sp span, res *RenameResult) (staged []RenameOp, stopped bool) {
	staged = make([]RenameOp, 0, len(plan.Ops))

	for i, op := range plan.Ops {
		if ctx.Err() != nil {
			log.Warn("staging stopped, committing files already staged",
				"staged", len(staged),
				"remaining", len(plan.Ops)-i)
			return staged, true
		}

		rep.step(PhaseStage, i, len(plan.Ops), op.From, sp)
		if err := e.fs.Rename(op.Source.Path, filepath.Join(plan.Folder, op.Staged)); err != nil {
			log.Error("failed to stage file, keeping original name", "path", op.Source.Path, "error", err)
			res.Failures = append(res.Failures, Failure{Op: OpStage, Path: op.Source.Path, Err: err})
			continue
		}
		staged = append(staged, op)
	}

	return staged, false
}

// commit moves staged files to their final names. It does not observe
// cancellation so that no file is left under a staging name by a cancel.
func (e *Engine) commit(log *slog.Logger, plan *RenamePlan, staged []RenameOp, rep *reporter, sp span, res *RenameResult) {
	for i, op := range staged {
		rep.step(PhaseCommit, i, len(staged), op.From, sp)

		from := filepath.Join(plan.Folder, op.Staged)
		to := filepath.Join(plan.Folder, op.Final)
		if err := e.fs.Rename(from, to); err != nil {
			log.Error("failed to rename staged file", "path", from, "final", op.Final, "error", err)
			res.Failures = append(res.Failures, Failure{Op: OpCommit, Path: from, Err: err})
			continue
		}

		log.Debug("renamed file", "from", op.From, "to", op.Final)
		res.Renamed++
		res.Ops = append(res.Ops, op)
	}
}

// logPlanDetails logs the plan for dry-run
func (e *Engine) logPlanDetails(log *slog.Logger, plan *RenamePlan) {
	for _, op := range plan.Ops {
		log.Info("[dry-run] would rename", "from", op.From, "to", op.Final)
	}
}
