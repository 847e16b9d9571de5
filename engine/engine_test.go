package engine

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dsyncpro/dsync/internal/clock"
	"github.com/dsyncpro/dsync/job"
)

func newTestJob(name, mode string) job.Job {
	return job.Job{
		Name:       name,
		SourceRoot: "/src",
		DestRoot:   "/dest",
		Mode:       job.Mode(mode),
	}
}

func TestEngine_CloneModeEndToEnd(t *testing.T) {
	// spec.md §8 scenario S1.
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src/dir", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest/dir", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("abc"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/src/dir/b.txt", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/dest/a.txt", []byte("abc"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/dest/dir/c.txt", []byte("unwanted"), 0o644))

	ctx := clock.WithTime(context.Background(), time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))

	eng := New(Deps{Fsys: fsys, ProjectLogsDir: "/logs"})
	result, err := eng.Run(ctx, newTestJob("job1", "clone"))
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, result.Exit)
	require.EqualValues(t, 1, result.Summary.Copied)

	content, err := afero.ReadFile(fsys, "/dest/dir/b.txt")
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))

	_, err = fsys.Stat("/dest/dir/c.txt")
	require.Error(t, err, "clone mode must delete dest-only entries")

	_, err = afero.ReadFile(fsys, "/logs/summary_20250115_100000.json")
	require.NoError(t, err)

	_, err = fsys.Stat("/dest/.DiskSyncPro/checkpoint_job1.json")
	require.Error(t, err, "checkpoint must be deleted on success")
}

func TestEngine_SyncModeNeverDeletes(t *testing.T) {
	// spec.md §8 scenario S2.
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src/dir", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest/dir", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/src/dir/b.txt", []byte("hello"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/dest/dir/c.txt", []byte("unwanted"), 0o644))

	eng := New(Deps{Fsys: fsys})
	result, err := eng.Run(context.Background(), newTestJob("job1", "sync"))
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, result.Exit)

	_, err = fsys.Stat("/dest/dir/c.txt")
	require.NoError(t, err, "sync mode must never delete dest-only entries")
}

func TestEngine_SafetyNetModeQuarantinesDeletedAndOverwritten(t *testing.T) {
	// spec.md §8 scenario S3.
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("new"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/dest/a.txt", []byte("old"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/dest/old.txt", []byte("stale"), 0o644))

	ctx := clock.WithTime(context.Background(), time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC))

	eng := New(Deps{Fsys: fsys})
	result, err := eng.Run(ctx, newTestJob("job1", "safety_net"))
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, result.Exit)

	content, err := afero.ReadFile(fsys, "/dest/a.txt")
	require.NoError(t, err)
	require.Equal(t, "new", string(content))

	backup, err := afero.ReadFile(fsys, "/dest/.SafetyNet/2025-01-15/a.txt")
	require.NoError(t, err)
	require.Equal(t, "old", string(backup))

	quarantined, err := afero.ReadFile(fsys, "/dest/.SafetyNet/2025-01-15/old.txt")
	require.NoError(t, err)
	require.Equal(t, "stale", string(quarantined))
}

func TestEngine_ResumeSkipsCompletedFiles(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest/.DiskSyncPro", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("aaa"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/src/b.txt", []byte("bbb"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/dest/a.txt", []byte("already-there-but-stale-checkpoint"), 0o644))

	checkpointJSON := `{"schema":1,"job_name":"job1","completed_files":{"a.txt":true},"completed_dirs":{}}`
	require.NoError(t, afero.WriteFile(fsys, "/dest/.DiskSyncPro/checkpoint_job1.json", []byte(checkpointJSON), 0o644))

	j := newTestJob("job1", "clone")
	j.Resume = true

	eng := New(Deps{Fsys: fsys})
	result, err := eng.Run(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, result.Exit)

	content, err := afero.ReadFile(fsys, "/dest/b.txt")
	require.NoError(t, err)
	require.Equal(t, "bbb", string(content))

	// a.txt was marked completed so the Planner must not have touched it,
	// even though its content differs from source.
	staleContent, err := afero.ReadFile(fsys, "/dest/a.txt")
	require.NoError(t, err)
	require.Equal(t, "already-there-but-stale-checkpoint", string(staleContent))
}

func TestEngine_ExistingCheckpointWithoutResumeIsConfigError(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest/.DiskSyncPro", 0o755))
	checkpointJSON := `{"schema":1,"job_name":"job1","completed_files":{},"completed_dirs":{}}`
	require.NoError(t, afero.WriteFile(fsys, "/dest/.DiskSyncPro/checkpoint_job1.json", []byte(checkpointJSON), 0o644))

	eng := New(Deps{Fsys: fsys})
	result, err := eng.Run(context.Background(), newTestJob("job1", "clone"))
	require.Error(t, err)
	require.Equal(t, ExitConfigError, result.Exit)
}

func TestEngine_InvalidModeIsConfigError(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest", 0o755))

	eng := New(Deps{Fsys: fsys})
	_, err := eng.Run(context.Background(), newTestJob("job1", "bogus"))
	require.Error(t, err)
}

func TestEngine_CancelledRunPersistsCheckpointAndReturnsCancelled(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("x"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel once the plan is built but before the executor applies any op,
	// simulating a cancel landing mid-run (spec.md §8 scenario S4) without
	// needing a second goroutine to race the engine.
	eng := New(Deps{Fsys: fsys, OnProgress: func(p job.Progress) {
		if p.Phase == job.PhasePlanning {
			cancel()
		}
	}})

	result, err := eng.Run(ctx, newTestJob("job1", "clone"))
	require.Error(t, err)
	require.Equal(t, ExitCancelled, result.Exit)

	_, statErr := fsys.Stat("/dest/.DiskSyncPro/checkpoint_job1.json")
	require.NoError(t, statErr, "checkpoint must be persisted on cancellation")
}

func TestEngine_DryRunProducesPlanWithoutMutatingOrCheckpointing(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("x"), 0o644))

	j := newTestJob("job1", "clone")
	j.DryRun = true

	eng := New(Deps{Fsys: fsys})
	result, err := eng.Run(context.Background(), j)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, result.Exit)
	require.Len(t, result.Plan, 1)

	_, statErr := fsys.Stat("/dest/a.txt")
	require.Error(t, statErr, "dry-run must not touch the destination")

	_, statErr = fsys.Stat("/dest/.DiskSyncPro/checkpoint_job1.json")
	require.Error(t, statErr, "dry-run must not write a checkpoint")
}

func TestEngine_ProgressCallbackObservesEachPhase(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/src", 0o755))
	require.NoError(t, fsys.MkdirAll("/dest", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "/src/a.txt", []byte("x"), 0o644))

	var phases []job.RunPhase
	eng := New(Deps{Fsys: fsys, OnProgress: func(p job.Progress) { phases = append(phases, p.Phase) }})

	_, err := eng.Run(context.Background(), newTestJob("job1", "clone"))
	require.NoError(t, err)
	require.Contains(t, phases, job.PhaseScanning)
	require.Contains(t, phases, job.PhasePlanning)
	require.Contains(t, phases, job.PhaseFinalizing)
}
