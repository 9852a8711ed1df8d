package tidy

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"time"

	"github.com/schaermu/dirtidy/internal/scan"
)

// Op names the file operation a Failure belongs to
type Op string

const (
	OpHash   Op = "hash"
	OpRemove Op = "remove"
	OpStage  Op = "stage"
	OpCommit Op = "commit"
)

// Failure is a recoverable per-file error. The file was skipped, not lost.
type Failure struct {
	Op   Op
	Path string
	Err  error
}

// MarshalJSON renders Err as its message.
func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Op    Op     `json:"op"`
		Path  string `json:"path"`
		Error string `json:"error"`
	}{f.Op, f.Path, msg})
}

// RenamePlan is the ordered set of renames for one folder
type RenamePlan struct {
	Folder string     // absolute folder path
	Base   string     // folder base name, the canonical name stem
	Ops    []RenameOp // in lexicographic order of the source names
}

// RenameOp represents one file moving through stage and commit
type RenameOp struct {
	Source scan.Candidate `json:"-"`
	From   string         `json:"from"`   // original base name
	Staged string         `json:"staged"` // staging base name
	Final  string         `json:"final"`  // canonical base name
}

// CanonicalName returns the final name for the file at position in the
// sorted survivor list: base+ext for position 0, base+position+ext after.
func CanonicalName(base string, position int, ext string) string {
	if position == 0 {
		return base + ext
	}
	return base + strconv.Itoa(position) + ext
}

// buildPlan assigns every file a staging name that is disjoint from each
// other and from existing, which must hold every entry name in the folder:
// hidden files, directories and symlinks included.
func buildPlan(folder string, existing []string, files []scan.Candidate, prefix string) *RenamePlan {
	taken := make(map[string]bool, len(existing)+len(files))
	for _, name := range existing {
		taken[name] = true
	}

	plan := &RenamePlan{
		Folder: folder,
		Base:   filepath.Base(folder),
		Ops:    make([]RenameOp, 0, len(files)),
	}

	for i, f := range files {
		staged := stagingName(prefix, i, f.Ext, taken)
		taken[staged] = true
		plan.Ops = append(plan.Ops, RenameOp{
			Source: f,
			From:   f.Name,
			Staged: staged,
		})
	}

	assignFinal(plan.Base, plan.Ops)
	return plan
}

// stagingName returns prefix+index+ext, adding a numeric suffix until the
// name is free.
func stagingName(prefix string, index int, ext string, taken map[string]bool) string {
	stem := prefix + strconv.Itoa(index)
	name := stem + ext
	for n := 1; taken[name]; n++ {
		name = stem + "_" + strconv.Itoa(n) + ext
	}
	return name
}

// assignFinal numbers ops by their position in the slice.
func assignFinal(base string, ops []RenameOp) {
	for i := range ops {
		ops[i].Final = CanonicalName(base, i, ops[i].Source.Ext)
	}
}

// DedupResult holds the outcome of the deduplication phase
type DedupResult struct {
	Scanned    int
	Removed    int
	FreedBytes int64
	Failures   []Failure

	// names of the files removed (or, in dry-run mode, that would be)
	removed map[string]bool
}

// RenameResult holds the outcome of the rename phase
type RenameResult struct {
	Planned  int
	Renamed  int
	Ops      []RenameOp
	Failures []Failure
}

// Summary is the final report of one job
type Summary struct {
	JobID      string        `json:"job_id"`
	Folder     string        `json:"folder"`
	DryRun     bool          `json:"dry_run"`
	Scanned    int           `json:"scanned"`
	Removed    int           `json:"removed"`
	Renamed    int           `json:"renamed"`
	FreedBytes int64         `json:"freed_bytes"`
	Failures   []Failure     `json:"failures"`
	Renames    []RenameOp    `json:"renames,omitempty"`
	Cancelled  bool          `json:"cancelled"`
	Fatal      string        `json:"fatal,omitempty"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
}

// Errors returns the number of recoverable per-file errors.
func (s *Summary) Errors() int {
	return len(s.Failures)
}

func (s *Summary) addDedup(r *DedupResult) {
	if r == nil {
		return
	}
	s.Scanned = r.Scanned
	s.Removed = r.Removed
	s.FreedBytes = r.FreedBytes
	s.Failures = append(s.Failures, r.Failures...)
}

func (s *Summary) addRename(r *RenameResult) {
	if r == nil {
		return
	}
	s.Renamed = r.Renamed
	s.Renames = r.Ops
	s.Failures = append(s.Failures, r.Failures...)
}
