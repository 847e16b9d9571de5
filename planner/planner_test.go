package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsyncpro/dsync/job"
)

func mtime(sec int64) time.Time { return time.Unix(sec, 0) }

// TestPlan_S1_CloneAddModifyRemove matches spec.md §8 scenario S1.
func TestPlan_S1_CloneAddModifyRemove(t *testing.T) {
	source := job.Tree{
		"a.txt":     {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(100)},
		"dir":       {Rel: "dir", Kind: job.KindDir},
		"dir/b.txt": {Rel: "dir/b.txt", Kind: job.KindFile, Size: 5, MTime: mtime(200)},
	}
	dest := job.Tree{
		"a.txt":     {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(100)},
		"dir":       {Rel: "dir", Kind: job.KindDir},
		"dir/c.txt": {Rel: "dir/c.txt", Kind: job.KindFile, Size: 7, MTime: mtime(300)},
	}

	ops, err := Plan(source, dest, Options{Mode: job.ModeClone})
	require.NoError(t, err)

	require.Len(t, ops, 2)
	require.Equal(t, job.OpCopy, ops[0].Kind)
	require.Equal(t, "dir/b.txt", ops[0].Rel)
	require.Equal(t, job.OpDelete, ops[1].Kind)
	require.Equal(t, "dir/c.txt", ops[1].Rel)
}

// TestPlan_S2_SyncNoDeletes matches spec.md §8 scenario S2.
func TestPlan_S2_SyncNoDeletes(t *testing.T) {
	source := job.Tree{
		"a.txt":     {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(100)},
		"dir":       {Rel: "dir", Kind: job.KindDir},
		"dir/b.txt": {Rel: "dir/b.txt", Kind: job.KindFile, Size: 5, MTime: mtime(200)},
	}
	dest := job.Tree{
		"a.txt":     {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(100)},
		"dir":       {Rel: "dir", Kind: job.KindDir},
		"dir/c.txt": {Rel: "dir/c.txt", Kind: job.KindFile, Size: 7, MTime: mtime(300)},
	}

	ops, err := Plan(source, dest, Options{Mode: job.ModeSync})
	require.NoError(t, err)

	require.Len(t, ops, 1)
	require.Equal(t, job.OpCopy, ops[0].Kind)
	require.Equal(t, "dir/b.txt", ops[0].Rel)
}

// TestPlan_S3_SafetyNetOnDeleteAndOverwrite matches spec.md §8 scenario S3.
func TestPlan_S3_SafetyNetOnDeleteAndOverwrite(t *testing.T) {
	source := job.Tree{
		"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(400)},
	}
	dest := job.Tree{
		"a.txt":   {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(100)},
		"old.txt": {Rel: "old.txt", Kind: job.KindFile, Size: 9, MTime: mtime(50)},
	}

	ops, err := Plan(source, dest, Options{Mode: job.ModeSafetyNet})
	require.NoError(t, err)

	require.Len(t, ops, 2)

	byRel := map[string]job.Operation{}
	for _, op := range ops {
		byRel[op.Rel] = op
	}

	require.Equal(t, job.OpUpdateFile, byRel["a.txt"].Kind)
	require.Equal(t, job.OpMoveToSafetyNet, byRel["old.txt"].Kind)
}

func TestPlan_Minimality_IdenticalTreesProduceNoOps(t *testing.T) {
	tree := job.Tree{
		"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 1, MTime: mtime(1)},
		"dir":   {Rel: "dir", Kind: job.KindDir},
	}

	for _, mode := range []job.Mode{job.ModeClone, job.ModeSync, job.ModeSafetyNet} {
		ops, err := Plan(tree, tree, Options{Mode: mode})
		require.NoError(t, err)
		require.Empty(t, ops, "mode=%s", mode)
	}
}

func TestPlan_ModeBitsAloneScheduleChmod(t *testing.T) {
	source := job.Tree{"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(1), Mode: 0o644}}
	dest := job.Tree{"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(1), Mode: 0o600}}

	ops, err := Plan(source, dest, Options{Mode: job.ModeClone})
	require.NoError(t, err)
	require.Len(t, ops, 1, "a mode-only mismatch must still schedule a Chmod")
	require.Equal(t, job.OpUpdateFile, ops[0].Kind)
	require.EqualValues(t, 0o644, ops[0].Mode)
}

func TestPlan_IdenticalModeProducesNoOp(t *testing.T) {
	source := job.Tree{"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(1), Mode: 0o644}}
	dest := job.Tree{"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(1), Mode: 0o644}}

	ops, err := Plan(source, dest, Options{Mode: job.ModeClone})
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestPlan_MTimeTolerance(t *testing.T) {
	source := job.Tree{"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(100)}}
	dest := job.Tree{"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 3, MTime: mtime(101)}}

	// Exact match required by default.
	ops, err := Plan(source, dest, Options{Mode: job.ModeClone})
	require.NoError(t, err)
	require.Len(t, ops, 1)

	// Widened tolerance absorbs the 1s drift.
	ops, err = Plan(source, dest, Options{Mode: job.ModeClone, MTimeTolerance: time.Second})
	require.NoError(t, err)
	require.Empty(t, ops)
}

func TestPlan_MkDirPrecedesChildWrites(t *testing.T) {
	source := job.Tree{
		"dir":           {Rel: "dir", Kind: job.KindDir},
		"dir/sub":       {Rel: "dir/sub", Kind: job.KindDir},
		"dir/sub/f.txt": {Rel: "dir/sub/f.txt", Kind: job.KindFile, Size: 1, MTime: mtime(1)},
	}
	dest := job.Tree{}

	ops, err := Plan(source, dest, Options{Mode: job.ModeClone})
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.Equal(t, "dir", ops[0].Rel)
	require.Equal(t, "dir/sub", ops[1].Rel)
	require.Equal(t, "dir/sub/f.txt", ops[2].Rel)
}

func TestPlan_ChildDeletesBeforeParentDelete(t *testing.T) {
	source := job.Tree{}
	dest := job.Tree{
		"dir":       {Rel: "dir", Kind: job.KindDir},
		"dir/f.txt": {Rel: "dir/f.txt", Kind: job.KindFile, Size: 1, MTime: mtime(1)},
	}

	ops, err := Plan(source, dest, Options{Mode: job.ModeClone})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "dir/f.txt", ops[0].Rel)
	require.Equal(t, "dir", ops[1].Rel)
}

func TestPlan_CompletedFilesElided(t *testing.T) {
	source := job.Tree{
		"a.txt": {Rel: "a.txt", Kind: job.KindFile, Size: 1, MTime: mtime(1)},
		"b.txt": {Rel: "b.txt", Kind: job.KindFile, Size: 1, MTime: mtime(1)},
	}
	dest := job.Tree{}

	ops, err := Plan(source, dest, Options{Mode: job.ModeClone, CompletedFiles: map[string]bool{"a.txt": true}})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "b.txt", ops[0].Rel)
}

func TestPlan_PathSafety_AdversarialRootEscape(t *testing.T) {
	// Plan re-validates every Tree key itself (spec.md testable property #1
	// demands this hold for any adversarial input tree, not just well-formed
	// Scanner output). A root-escaping key must fail fast as a PlanError
	// rather than silently producing an op that writes outside the root.
	source := job.Tree{
		"../evil": {Rel: "../evil", Kind: job.KindFile, Size: 1, MTime: mtime(1)},
	}
	ops, err := Plan(source, job.Tree{}, Options{Mode: job.ModeClone})
	require.Error(t, err)
	require.Nil(t, ops)
}
