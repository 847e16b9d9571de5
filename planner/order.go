package planner

import (
	"sort"

	"github.com/dsyncpro/dsync/job"
)

// order imposes the deterministic sequencing spec.md §4.2 requires:
//   - MkDir operations precede any operation that writes into that directory.
//   - Delete/MoveToSafetyNet of a directory is emitted only after all its
//     contained deletions (children before parents for removes).
//   - Symlinks are processed after the directories containing them exist.
//   - Tie-break is lexicographic on relative path.
func order(ops []job.Operation, source, dest job.Tree) []job.Operation {
	var creates, removes []job.Operation

	for _, op := range ops {
		switch op.Kind {
		case job.OpDelete, job.OpMoveToSafetyNet:
			removes = append(removes, op)
		default:
			creates = append(creates, op)
		}
	}

	sort.SliceStable(creates, func(i, j int) bool {
		return lessCreate(creates[i], creates[j])
	})

	sort.SliceStable(removes, func(i, j int) bool {
		return lessRemove(removes[i], removes[j])
	})

	out := make([]job.Operation, 0, len(creates)+len(removes))
	out = append(out, creates...)
	out = append(out, removes...)

	return out
}

// lessCreate orders non-destructive ops: directories and their ancestors
// always come before anything nested under them; MkDir wins ties against a
// same-path op (can't happen in practice since one op per path); symlinks
// sort alongside files at the same depth. Parent-before-child plus
// lexicographic tie-break is exactly job.SortDepthFirst's contract, with
// MkDir additionally preferred over a sibling op at the same path depth
// when paths are equal (which never occurs — one op per path, spec.md §3
// invariant).
func lessCreate(a, b job.Operation) bool {
	if a.Rel == b.Rel {
		return rank(a.Kind) < rank(b.Kind)
	}

	return job.LessDepthFirst(a.Rel, b.Rel)
}

// lessRemove orders destructive ops children-before-parents: the reverse of
// depth-first, so a directory's contents are deleted before the directory
// itself.
func lessRemove(a, b job.Operation) bool {
	if a.Rel == b.Rel {
		return false
	}

	return !job.LessDepthFirst(a.Rel, b.Rel)
}

func rank(k job.OpKind) int {
	switch k {
	case job.OpMkDir:
		return 0
	default:
		return 1
	}
}
