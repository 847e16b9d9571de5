// Package engine implements the Engine component (spec.md §4.8): it
// composes Scanner, Planner, Journal, Executor, and Metadata Writer into
// one run lifecycle — scan, plan, open journal, execute, write metadata,
// delete checkpoint — and owns cancellation draining and automatic
// rollback on a fatal journal error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/dsyncpro/dsync/checkpoint"
	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/executor"
	"github.com/dsyncpro/dsync/internal/clock"
	"github.com/dsyncpro/dsync/internal/logging"
	"github.com/dsyncpro/dsync/job"
	"github.com/dsyncpro/dsync/journal"
	"github.com/dsyncpro/dsync/metadata"
	"github.com/dsyncpro/dsync/pathutil"
	"github.com/dsyncpro/dsync/planner"
	"github.com/dsyncpro/dsync/safetynet"
	"github.com/dsyncpro/dsync/scanner"
)

var log = logging.Module("dsync/engine")

// ExitCode mirrors the CLI exit codes spec.md §6 assigns to a run.
type ExitCode int

const (
	ExitSuccess       ExitCode = 0
	ExitPartial       ExitCode = 1
	ExitFatalRollback ExitCode = 2
	ExitCancelled     ExitCode = 3
	ExitConfigError   ExitCode = 4
)

// metaDirName is the destination-side artifact directory (spec.md §6).
const metaDirName = ".DiskSyncPro"

// Deps are the collaborators one Engine needs beyond the Job itself.
type Deps struct {
	// Fsys is the filesystem every component operates against. Defaults to
	// the real OS filesystem when left nil.
	Fsys afero.Fs

	// ProjectLogsDir mirrors the non-checkpoint artifacts outside dest_root
	// (spec.md §6: "a mirror... is written under the project's logs/
	// directory"). May be left empty to disable the project-side sink.
	ProjectLogsDir string

	// OnProgress receives the rate-limited Progress stream (spec.md §6).
	OnProgress func(job.Progress)
}

// Result reports the outcome of one Run call back to the caller.
type Result struct {
	Summary  job.Summary
	Exit     ExitCode
	Rollback *journal.Report
	Plan     []job.Operation
}

// Engine orchestrates one run of a Job end to end.
type Engine struct {
	deps Deps
}

// New returns an Engine ready to Run jobs under deps.
func New(deps Deps) *Engine {
	if deps.Fsys == nil {
		deps.Fsys = afero.NewOsFs()
	}

	return &Engine{deps: deps}
}

// Run executes j to completion, partial failure, cancellation, or fatal
// rollback (spec.md §4.8).
func (e *Engine) Run(ctx context.Context, j job.Job) (Result, error) {
	j = j.WithDefaults()

	if err := e.validate(j); err != nil {
		return Result{Exit: ExitConfigError}, err
	}

	fsys := e.deps.Fsys
	destMetaDir := filepath.Join(j.DestRoot, metaDirName)

	// The metadata Writer puts snapshots under each sink's snapshots/ subdir.
	if err := fsys.MkdirAll(filepath.Join(destMetaDir, "snapshots"), 0o755); err != nil {
		return Result{Exit: ExitConfigError}, dsyncerr.NewConfigError("create dest metadata dir", err)
	}

	if e.deps.ProjectLogsDir != "" {
		if err := fsys.MkdirAll(filepath.Join(e.deps.ProjectLogsDir, "snapshots"), 0o755); err != nil {
			return Result{Exit: ExitConfigError}, dsyncerr.NewConfigError("create project logs dir", err)
		}
	}

	// The run lock is a gofrs/flock lock on an OS file, so it is only taken
	// when Fsys is the OS filesystem.
	if _, onOS := fsys.(*afero.OsFs); onOS {
		lock := flock.New(filepath.Join(destMetaDir, "run.lock"))

		locked, err := lock.TryLock()
		if err != nil {
			return Result{Exit: ExitConfigError}, dsyncerr.NewConfigError("acquire run lock", err)
		}

		if !locked {
			return Result{Exit: ExitConfigError}, dsyncerr.NewConfigError("another run already holds the destination lock", nil)
		}
		defer lock.Unlock() //nolint:errcheck
	}

	cpStore, err := e.openCheckpoint(fsys, destMetaDir, j)
	if err != nil {
		return Result{Exit: ExitConfigError}, err
	}

	// The engine's own artifact directories are never part of either tree
	// (spec.md §4.6: "The SafetyNet directory is itself excluded from
	// Scanning to prevent recursion" — the same applies to .DiskSyncPro).
	excludes, err := pathutil.NewMatcher(append(append([]string{}, j.Exclude...), safetynet.DirName, metaDirName))
	if err != nil {
		return Result{Exit: ExitConfigError}, dsyncerr.NewConfigError("compile exclude patterns", err)
	}

	e.emit(j.Name, job.Progress{Job: j.Name, Phase: job.PhaseScanning})

	srcResult, destResult, err := e.scanBoth(ctx, fsys, j, excludes, cpStore)
	if err != nil {
		return Result{Exit: ExitConfigError}, err
	}

	summary := job.Summary{JobName: j.Name, StartedAt: clock.FromContext(ctx)}
	summary.Warnings = warningStrings(srcResult.Warnings, destResult.Warnings)

	e.emit(j.Name, job.Progress{Job: j.Name, Phase: job.PhasePlanning})

	ops, err := planner.Plan(srcResult.Tree, destResult.Tree, planner.Options{
		Mode:           j.Mode,
		CompletedFiles: cpStore.Checkpoint().CompletedFiles,
	})
	if err != nil {
		return Result{Summary: summary, Exit: ExitConfigError}, err
	}

	if j.DryRun {
		// spec.md §4.8/§9: "Planner's output is emitted to the caller but the
		// Executor is short-circuited (no mutation, no Journal writes — only
		// the plan is logged)." No Checkpoint is written either, since no op
		// was ever attempted.
		summary.FinishedAt = clock.FromContext(ctx)
		summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)

		return Result{Summary: summary, Exit: ExitSuccess, Plan: ops}, nil
	}

	registerDirOpTotals(cpStore, ops)

	jr := openJournal(fsys, e.deps.ProjectLogsDir, destMetaDir, j.Name, clock.FromContext(ctx))

	var net *safetynet.Net
	if j.Mode == job.ModeSafetyNet {
		net = safetynet.New(fsys, j.DestRoot, safetynet.BucketDate(clock.FromContext(ctx)))
	}

	ex := executor.New(executor.Deps{
		Fsys: fsys, SourceRoot: j.SourceRoot, DestRoot: j.DestRoot,
		Journal: jr, Checkpoint: cpStore, SafetyNet: net,
		OnProgress: e.deps.OnProgress, JobName: j.Name,
	}, executor.Options{Mode: j.Mode, Threads: j.Threads, Retries: j.Retries, Verify: j.Verify})

	runSummary, runErr := ex.Run(ctx, ops)
	mergeSummary(&summary, runSummary)
	summary.FinishedAt = clock.FromContext(ctx)
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)

	var journalErr *dsyncerr.JournalError
	if errors.As(runErr, &journalErr) {
		log.Errorw("journal/checkpoint persistence failed; attempting automatic rollback", "error", runErr)
		e.emit(j.Name, job.Progress{Job: j.Name, Phase: job.PhaseRollingBack})

		report := journal.Rollback(fsys, j.DestRoot, jr.Entries(), false, jr)
		_ = cpStore.Flush()

		return Result{Summary: summary, Exit: ExitFatalRollback, Rollback: &report}, runErr
	}

	if runErr != nil {
		return Result{Summary: summary, Exit: ExitConfigError}, runErr
	}

	if ctx.Err() != nil {
		log.Warnw("run cancelled; persisting checkpoint", "completed_files", len(cpStore.Checkpoint().CompletedFiles))

		if err := cpStore.Flush(); err != nil {
			return Result{Summary: summary, Exit: ExitFatalRollback}, err
		}

		return Result{Summary: summary, Exit: ExitCancelled}, dsyncerr.ErrCancelled
	}

	return e.finalize(ctx, fsys, j, destMetaDir, cpStore, excludes, summary)
}

// finalize writes the snapshot/summary/index artifacts against the
// post-run destination tree and deletes the checkpoint (spec.md §4.7,
// §4.8).
func (e *Engine) finalize(ctx context.Context, fsys afero.Fs, j job.Job, destMetaDir string, cpStore *checkpoint.Store, excludes *pathutil.Matcher, summary job.Summary) (Result, error) {
	e.emit(j.Name, job.Progress{Job: j.Name, Phase: job.PhaseFinalizing})

	finalTree, err := scanner.Scan(ctx, scanner.Options{Fs: fsys, Root: j.DestRoot, Exclude: excludes})
	if err != nil {
		return Result{Summary: summary, Exit: ExitConfigError}, dsyncerr.NewConfigError("rescan dest for snapshot", err)
	}

	writer := metadata.New(fsys, metadata.Dirs{ProjectDir: e.deps.ProjectLogsDir, DestDir: destMetaDir})

	snapshotID, err := writer.WriteSnapshot(j.Name, finalTree.Tree, summary.StartedAt, summary.FinishedAt, summary)
	if err != nil {
		return Result{Summary: summary, Exit: ExitConfigError}, err
	}

	if err := writer.WriteSummary(summary, summary.FinishedAt); err != nil {
		return Result{Summary: summary, Exit: ExitConfigError}, err
	}

	entry := job.IndexEntry{
		SnapshotID: snapshotID,
		Path:       filepath.Join("snapshots", fmt.Sprintf("snapshot_%s.json", metadata.Stamp(summary.FinishedAt))),
		Timestamp:  summary.FinishedAt,
		Copied:     summary.Copied,
		Updated:    summary.Updated,
		Failed:     summary.Failed,
	}

	if err := writer.UpdateIndex(entry); err != nil {
		return Result{Summary: summary, Exit: ExitConfigError}, err
	}

	if err := cpStore.Delete(); err != nil {
		return Result{Summary: summary, Exit: ExitConfigError}, err
	}

	if summary.Failed > 0 {
		return Result{Summary: summary, Exit: ExitPartial}, nil
	}

	return Result{Summary: summary, Exit: ExitSuccess}, nil
}

func (e *Engine) validate(j job.Job) error {
	if !j.Mode.Valid() {
		return dsyncerr.NewConfigError("invalid mode", fmt.Errorf("%q", j.Mode))
	}

	if j.SourceRoot == "" || j.DestRoot == "" {
		return dsyncerr.NewConfigError("source_root and dest_root must both be set", nil)
	}

	if j.Name == "" {
		return dsyncerr.NewConfigError("job name must be set", nil)
	}

	return nil
}

func (e *Engine) openCheckpoint(fsys afero.Fs, destMetaDir string, j job.Job) (*checkpoint.Store, error) {
	checkpointPath := filepath.Join(destMetaDir, fmt.Sprintf("checkpoint_%s.json", j.Name))

	existing, exists, err := checkpoint.Load(fsys, checkpointPath)
	if err != nil {
		return nil, err
	}

	if exists && !j.Resume {
		return nil, dsyncerr.ErrCheckpointExists
	}

	if exists {
		return checkpoint.Resume(fsys, checkpointPath, existing), nil
	}

	return checkpoint.New(fsys, checkpointPath, j.Name), nil
}

func (e *Engine) scanBoth(ctx context.Context, fsys afero.Fs, j job.Job, excludes *pathutil.Matcher, cpStore *checkpoint.Store) (scanner.Result, scanner.Result, error) {
	srcResult, err := scanner.Scan(ctx, scanner.Options{Fs: fsys, Root: j.SourceRoot, Exclude: excludes})
	if err != nil {
		return scanner.Result{}, scanner.Result{}, dsyncerr.NewConfigError("scan source", err)
	}

	destResult, err := scanner.Scan(ctx, scanner.Options{
		Fs: fsys, Root: j.DestRoot, Exclude: excludes,
		CompletedDirs: cpStore.Checkpoint().CompletedDirs,
	})
	if err != nil {
		return scanner.Result{}, scanner.Result{}, dsyncerr.NewConfigError("scan dest", err)
	}

	return srcResult, destResult, nil
}

func (e *Engine) emit(jobName string, p job.Progress) {
	if e.deps.OnProgress == nil {
		return
	}

	p.Job = jobName
	e.deps.OnProgress(p)
}

func openJournal(fsys afero.Fs, projectLogsDir, destMetaDir, jobName string, startedAt time.Time) *journal.Journal {
	stamp := metadata.Stamp(startedAt)
	name := fmt.Sprintf("journal_%s_%s.json", jobName, stamp)

	sinks := journal.Sinks{DestPath: filepath.Join(destMetaDir, name)}
	if projectLogsDir != "" {
		sinks.ProjectPath = filepath.Join(projectLogsDir, name)
	}

	return journal.Open(fsys, sinks)
}

func mergeSummary(dst *job.Summary, src job.Summary) {
	dst.Copied += src.Copied
	dst.Updated += src.Updated
	dst.Skipped += src.Skipped
	dst.Failed += src.Failed
	dst.MovedToSafetyNet += src.MovedToSafetyNet
	dst.BytesTransferred += src.BytesTransferred
	dst.Warnings = append(dst.Warnings, src.Warnings...)
}

func warningStrings(sets ...[]dsyncerr.ScanWarning) []string {
	var out []string

	for _, set := range sets {
		for _, w := range set {
			out = append(out, w.Error())
		}
	}

	return out
}

// registerDirOpTotals tells cpStore how many operations each directory was
// planned with, so NoteOpCommitted can detect when a directory is fully
// committed (spec.md §4.5).
func registerDirOpTotals(cpStore *checkpoint.Store, ops []job.Operation) {
	totals := map[string]int{}

	for _, op := range ops {
		dir := dirOf(op.Rel)
		if dir == "" {
			continue
		}

		totals[dir]++
	}

	for dir, n := range totals {
		cpStore.Checkpoint().SetDirOpTotal(dir, n)
	}
}

func dirOf(rel string) string {
	dir := filepath.Dir(filepath.FromSlash(rel))
	if dir == "." {
		return ""
	}

	return dir
}
