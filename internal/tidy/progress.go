package tidy

import "context"

// Phase identifies the job stage a Progress event belongs to
type Phase string

const (
	PhaseListing Phase = "listing"
	PhaseDedup   Phase = "dedup"
	PhaseStage   Phase = "stage"
	PhaseCommit  Phase = "commit"
	PhaseDone    Phase = "done"
)

// Indeterminate is the Total of events whose file count is not known yet.
const Indeterminate = -1

// Progress is one update sent to the caller's progress channel.
//
// Current and Total count files within the phase. Percent spans the whole
// job: deduplication covers [0,50), staging [50,75) and committing [75,100).
// Percent never decreases and reaches 100 exactly once, on completion.
type Progress struct {
	JobID   string  `json:"job_id"`
	Folder  string  `json:"folder"`
	Phase   Phase   `json:"phase"`
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Label   string  `json:"label"`
	Percent float64 `json:"percent"`
}

// span is the slice of the 0-100 range a phase reports into
type span struct {
	lo, hi float64
}

var fullSpan = span{0, 100}

func (s span) split() (span, span) {
	mid := s.lo + (s.hi-s.lo)/2
	return span{s.lo, mid}, span{mid, s.hi}
}

func (s span) at(done, total int) float64 {
	if total <= 0 {
		return s.lo
	}
	return s.lo + (s.hi-s.lo)*float64(done)/float64(total)
}

// reporter sends Progress events for one job. Sends block until the
// receiver takes them or ctx is done.
type reporter struct {
	ctx    context.Context
	ch     chan<- Progress
	jobID  string
	folder string
	last   float64
}

func newReporter(ctx context.Context, ch chan<- Progress, job Job) *reporter {
	return &reporter{ctx: ctx, ch: ch, jobID: job.ID, folder: job.Folder}
}

// step reports that the file at index (0-based) of total is being handled.
func (r *reporter) step(phase Phase, index, total int, label string, sp span) {
	r.emit(Progress{
		Phase:   phase,
		Current: index + 1,
		Total:   total,
		Label:   label,
		Percent: sp.at(index, total),
	})
}

func (r *reporter) indeterminate(phase Phase, label string) {
	r.emit(Progress{
		Phase:   phase,
		Total:   Indeterminate,
		Label:   label,
		Percent: r.last,
	})
}

func (r *reporter) done(label string) {
	r.emit(Progress{
		Phase:   PhaseDone,
		Current: 100,
		Total:   100,
		Label:   label,
		Percent: 100,
	})
}

func (r *reporter) emit(p Progress) {
	if p.Percent < r.last {
		p.Percent = r.last
	}
	r.last = p.Percent

	if r.ch == nil {
		return
	}

	p.JobID = r.jobID
	p.Folder = r.folder
	select {
	case r.ch <- p:
	case <-r.ctx.Done():
	}
}
