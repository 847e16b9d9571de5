// Package planner implements the Planner component (spec.md §4.2): Smart
// Update change detection and per-mode operation ordering.
package planner

import (
	"time"

	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/job"
	"github.com/dsyncpro/dsync/pathutil"
)

// Options configures one Plan call.
type Options struct {
	Mode job.Mode

	// MTimeTolerance widens the "up-to-date" mtime comparison beyond exact
	// equality. Zero means exact match at the stored precision, the spec.md
	// §4.2 default; set to e.g. time.Second to absorb filesystem-to-
	// filesystem precision differences (spec.md §9 open question).
	MTimeTolerance time.Duration

	// CompletedFiles, when non-nil, elides already-committed relative paths
	// from the plan (spec.md §4.5 resume behavior).
	CompletedFiles map[string]bool
}

// Plan diffs source against dest under opts.Mode and returns a
// deterministically ordered Operation list (spec.md §4.2). It is a fatal
// PlanError (spec.md §7) for any path in either tree to resolve outside its
// root once normalized — the Planner re-validates this invariant itself
// rather than trusting that the Scanner already enforced it, since
// spec.md's testable property #1 requires it to hold "for any adversarial
// input tree" the Planner is handed.
func Plan(source, dest job.Tree, opts Options) ([]job.Operation, error) {
	if err := validatePaths(source); err != nil {
		return nil, err
	}

	if err := validatePaths(dest); err != nil {
		return nil, err
	}

	var ops []job.Operation
	var nextOpID int64

	newOp := func(kind job.OpKind, rel string) job.Operation {
		nextOpID++
		return job.Operation{OpID: nextOpID, Kind: kind, Rel: rel}
	}

	for _, rel := range source.SortedPaths() {
		if opts.CompletedFiles[rel] {
			continue
		}

		srcRec := source[rel]
		destRec, inDest := dest[rel]

		switch srcRec.Kind {
		case job.KindDir:
			if !inDest {
				op := newOp(job.OpMkDir, rel)
				op.Mode = srcRec.Mode
				ops = append(ops, op)
			}

			continue
		case job.KindSymlink:
			if !inDest || destRec.SymlinkTarget != srcRec.SymlinkTarget {
				op := newOp(job.OpSymlinkCreate, rel)
				op.Target = srcRec.SymlinkTarget
				ops = append(ops, op)
			}

			continue
		}

		// job.KindFile
		if !inDest {
			op := newOp(job.OpCopy, rel)
			op.Size = srcRec.Size
			op.Mode = srcRec.Mode
			op.MTime = srcRec.MTime
			ops = append(ops, op)

			continue
		}

		switch {
		case !upToDate(srcRec, destRec, opts.MTimeTolerance):
			op := newOp(job.OpUpdateFile, rel)
			op.Size = srcRec.Size
			op.Mode = srcRec.Mode
			op.MTime = srcRec.MTime
			ops = append(ops, op)
		case srcRec.Mode != destRec.Mode:
			// Size and mtime already match: content is up to date, but mode
			// bits mismatch alone still schedules a Chmod, modeled as an
			// UpdateFile so it carries a backup-and-restore path through the
			// existing journal/rollback machinery (spec.md §4.2).
			op := newOp(job.OpUpdateFile, rel)
			op.Size = srcRec.Size
			op.Mode = srcRec.Mode
			op.MTime = srcRec.MTime
			ops = append(ops, op)
		}
	}

	// Dest-only entries: deletion policy depends on mode.
	for _, rel := range dest.SortedPaths() {
		if _, inSource := source[rel]; inSource {
			continue
		}

		if opts.CompletedFiles[rel] {
			continue
		}

		switch opts.Mode {
		case job.ModeClone:
			ops = append(ops, newOp(job.OpDelete, rel))
		case job.ModeSafetyNet:
			ops = append(ops, newOp(job.OpMoveToSafetyNet, rel))
		case job.ModeSync:
			// noop
		}
	}

	return order(ops, source, dest), nil
}

// validatePaths rejects any Tree key that doesn't normalize to itself,
// which catches both un-normalized input and root-escaping paths
// (pathutil.Normalize returns ErrEscapesRoot for the latter).
func validatePaths(tree job.Tree) error {
	for rel := range tree {
		norm, err := pathutil.Normalize(rel)
		if err != nil {
			return dsyncerr.NewPlanError(rel, err.Error())
		}

		if norm != rel {
			return dsyncerr.NewPlanError(rel, "path is not normalized")
		}
	}

	return nil
}

// upToDate implements the Smart Update rule (spec.md §4.2): kinds match,
// sizes equal, and mtimes equal within tolerance. Mode bits are deliberately not
// part of this comparison — a mode-only mismatch is handled by the caller
// as its own case, not folded into "changed" here.
func upToDate(src, dest job.FileRecord, tolerance time.Duration) bool {
	if src.Kind != dest.Kind {
		return false
	}

	if src.Size != dest.Size {
		return false
	}

	delta := src.MTime.Sub(dest.MTime)
	if delta < 0 {
		delta = -delta
	}

	return delta <= tolerance
}
