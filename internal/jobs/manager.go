// Package jobs runs tidy jobs in the background and exposes them over HTTP.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/schaermu/dirtidy/internal/config"
	"github.com/schaermu/dirtidy/internal/tidy"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrFolderBusy       = errors.New("folder already has an active job")
	ErrFolderNotAllowed = errors.New("folder is outside the allowed roots")
	ErrOverloaded       = errors.New("too many active jobs")
	ErrClosed           = errors.New("job manager is closed")
)

// historyLimit bounds how many finished jobs are remembered
const historyLimit = 256

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Runner runs a single job. *tidy.Engine implements it.
type Runner interface {
	Run(ctx context.Context, job tidy.Job, progress chan<- tidy.Progress) (*tidy.Summary, error)
}

// NewRunnerFunc builds the runner for one job around that job's logger.
type NewRunnerFunc func(logger *slog.Logger) (Runner, error)

// EngineRunner returns a NewRunnerFunc creating tidy engines from cfg.
func EngineRunner(cfg config.EngineConfig) NewRunnerFunc {
	return func(logger *slog.Logger) (Runner, error) {
		engine, err := tidy.NewEngine(cfg, nil, logger)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

// Job is a point-in-time view of a job
type Job struct {
	ID       string         `json:"id"`
	Folder   string         `json:"folder"`
	Status   Status         `json:"status"`
	Progress *tidy.Progress `json:"progress,omitempty"`
	Summary  *tidy.Summary  `json:"summary,omitempty"`
	Error    string         `json:"error,omitempty"`
	Log      []string       `json:"log,omitempty"`
	Created  time.Time      `json:"created"`
	Finished time.Time      `json:"finished"`
}

// record is the mutable state behind a Job
type record struct {
	mu       sync.Mutex
	job      tidy.Job
	status   Status
	progress *tidy.Progress
	summary  *tidy.Summary
	err      string
	created  time.Time
	finished time.Time
	log      *lineBuffer
	cancel   context.CancelFunc
}

func (r *record) view(withLog bool) Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := Job{
		ID:       r.job.ID,
		Folder:   r.job.Folder,
		Status:   r.status,
		Summary:  r.summary,
		Error:    r.err,
		Created:  r.created,
		Finished: r.finished,
	}
	if r.progress != nil {
		p := *r.progress
		j.Progress = &p
	}
	if withLog {
		j.Log = r.log.snapshot()
	}
	return j
}

func (r *record) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *record) setProgress(p tidy.Progress) {
	r.mu.Lock()
	r.progress = &p
	r.mu.Unlock()
}

func (r *record) finish(summary *tidy.Summary, err error) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary = summary
	r.finished = time.Now()
	switch {
	case err == nil:
		r.status = StatusCompleted
	case errors.Is(err, tidy.ErrCancelled):
		r.status = StatusCancelled
	default:
		r.status = StatusFailed
		r.err = err.Error()
	}
	return r.status
}

// Manager runs jobs on a bounded worker pool and allows one active job
// per folder.
type Manager struct {
	cfg       *config.Config
	newRunner NewRunnerFunc
	logger    *slog.Logger
	pool      *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]*record
	order  []string          // job IDs by creation
	active map[string]string // folder -> job ID
	closed bool
}

// NewManager creates a job manager sized by cfg.Serve.
func NewManager(cfg *config.Config, newRunner NewRunnerFunc, logger *slog.Logger) (*Manager, error) {
	pool, err := ants.NewPool(cfg.Serve.MaxConcurrentJobs, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		newRunner: newRunner,
		logger:    logger,
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*record),
		active:    make(map[string]string),
	}, nil
}

// Start queues a job for folder and returns immediately.
func (m *Manager) Start(folder string) (Job, error) {
	dir, err := filepath.Abs(folder)
	if err != nil {
		return Job{}, fmt.Errorf("failed to resolve folder %s: %w", folder, err)
	}

	// The job runs on the link target, which is what the allow-list checks
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	if !m.cfg.FolderAllowed(dir) {
		return Job{}, fmt.Errorf("%w: %s", ErrFolderNotAllowed, dir)
	}

	// Reject obvious mistakes before queueing; the engine checks again
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Job{}, fmt.Errorf("%w: %s", tidy.ErrNotFound, dir)
	case err != nil:
		return Job{}, fmt.Errorf("%w: %s: %w", tidy.ErrUnreadable, dir, err)
	case !info.IsDir():
		return Job{}, fmt.Errorf("%w: %s", tidy.ErrNotDirectory, dir)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Job{}, ErrClosed
	}
	if id, busy := m.active[dir]; busy {
		return Job{}, fmt.Errorf("%w: %s (job %s)", ErrFolderBusy, dir, id)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	rec := &record{
		job:     tidy.NewJob(dir),
		status:  StatusQueued,
		created: time.Now(),
		log:     newLineBuffer(m.cfg.Serve.LogLines),
		cancel:  cancel,
	}

	if err := m.pool.Submit(func() { m.execute(ctx, rec) }); err != nil {
		cancel()
		if errors.Is(err, ants.ErrPoolOverload) {
			return Job{}, ErrOverloaded
		}
		return Job{}, fmt.Errorf("failed to submit job: %w", err)
	}

	m.jobs[rec.job.ID] = rec
	m.order = append(m.order, rec.job.ID)
	m.active[dir] = rec.job.ID
	m.prune()

	m.logger.Info("job queued", "job", rec.job.ID, "folder", dir)
	return rec.view(false), nil
}

// Get returns the job with id, including its captured log lines.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	rec, ok := m.jobs[id]
	m.mu.Unlock()

	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.view(true), nil
}

// List returns all known jobs, oldest first, without log lines.
func (m *Manager) List() []Job {
	m.mu.Lock()
	recs := make([]*record, 0, len(m.order))
	for _, id := range m.order {
		recs = append(recs, m.jobs[id])
	}
	m.mu.Unlock()

	out := make([]Job, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.view(false))
	}
	return out
}

// Cancel asks the job to stop after its current file operation. Cancelling
// a finished job is a no-op.
func (m *Manager) Cancel(id string) (Job, error) {
	m.mu.Lock()
	rec, ok := m.jobs[id]
	m.mu.Unlock()

	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec.cancel()
	m.logger.Info("job cancellation requested", "job", id)
	return rec.view(false), nil
}

// Close cancels every active job and waits up to timeout for them to stop.
func (m *Manager) Close(timeout time.Duration) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	return m.pool.ReleaseTimeout(timeout)
}

func (m *Manager) execute(ctx context.Context, rec *record) {
	defer rec.cancel()
	defer m.release(rec.job.Folder)

	rec.setStatus(StatusRunning)
	logger := slog.New(newCaptureHandler(m.logger.Handler(), rec.log))

	runner, err := m.newRunner(logger)
	if err != nil {
		status := rec.finish(nil, fmt.Errorf("failed to create engine: %w", err))
		m.logger.Error("job failed to start", "job", rec.job.ID, "status", status, "error", err)
		return
	}

	progress := make(chan tidy.Progress)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			rec.setProgress(p)
		}
	}()

	summary, err := runner.Run(ctx, rec.job, progress)
	close(progress)
	<-done

	status := rec.finish(summary, err)
	m.logger.Info("job finished", "job", rec.job.ID, "folder", rec.job.Folder, "status", status)
}

func (m *Manager) release(folder string) {
	m.mu.Lock()
	delete(m.active, folder)
	m.mu.Unlock()
}

// prune forgets the oldest finished jobs beyond historyLimit. Must be
// called with m.mu held.
func (m *Manager) prune() {
	excess := len(m.order) - historyLimit
	if excess <= 0 {
		return
	}

	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.jobs[id].view(false).Status.Finished() {
			delete(m.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}
