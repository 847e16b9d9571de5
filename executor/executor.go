// Package executor implements the Copy/Move Worker Pool (spec.md §4.3): a
// bounded-concurrency pool that applies Planner-emitted Operations with
// per-file atomicity, bounded retry, optional sha256 Verify, and
// rate-limited progress events.
package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dsyncpro/dsync/checkpoint"
	"github.com/dsyncpro/dsync/internal/clock"
	"github.com/dsyncpro/dsync/internal/logging"
	"github.com/dsyncpro/dsync/internal/retry"
	"github.com/dsyncpro/dsync/job"
	"github.com/dsyncpro/dsync/journal"
	"github.com/dsyncpro/dsync/safetynet"
)

var log = logging.Module("dsync/executor")

// copyBufferSize is the chunked-copy buffer; cancellation is polled between
// buffer writes (spec.md §5).
const copyBufferSize = 1 << 20

// progressMinInterval rate-limits progress events to at most 10/s
// (spec.md §4.3).
const progressMinInterval = 100 * time.Millisecond

// Deps are the collaborators one Executor run needs. SafetyNet is only
// required when Mode is job.ModeSafetyNet.
type Deps struct {
	Fsys       afero.Fs
	SourceRoot string
	DestRoot   string
	Journal    *journal.Journal
	Checkpoint *checkpoint.Store
	SafetyNet  *safetynet.Net
	OnProgress func(job.Progress)
	JobName    string
}

// Options configures one Run call.
type Options struct {
	Mode    job.Mode
	Threads int
	Retries int
	Verify  bool
}

// Executor applies an ordered Operation list against Deps.
type Executor struct {
	deps Deps
	opts Options

	dirMu       sync.Mutex
	createdDirs map[string]bool

	mu       sync.Mutex
	summary  job.Summary
	done     int64
	total    int64
	bytes    int64
	byteGoal int64

	progressMu sync.Mutex
	lastEmit   time.Time
}

// New returns an Executor ready to Run ops under deps/opts.
func New(deps Deps, opts Options) *Executor {
	if opts.Threads < 1 {
		opts.Threads = 1
	}

	return &Executor{deps: deps, opts: opts, createdDirs: map[string]bool{}}
}

// Run applies ops: creates (MkDir/Copy/UpdateFile/SymlinkCreate) concurrently
// bounded by opts.Threads, then removes (Delete/MoveToSafetyNet) in the
// order the Planner gave them — which is already children-before-parents,
// so sequential application is sufficient to respect that dependency
// without reconstructing a dependency graph. Per-op failures never abort
// the run; only a fatal Journal/Checkpoint persistence error does
// (spec.md §7).
func (e *Executor) Run(ctx context.Context, ops []job.Operation) (job.Summary, error) {
	creates, removes := splitOps(ops)

	e.total = int64(len(ops))
	for _, op := range creates {
		if op.Kind == job.OpCopy || op.Kind == job.OpUpdateFile {
			e.byteGoal += op.Size
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.opts.Threads))

	var dispatchErr error

	for _, op := range creates {
		op := op

		if err := sem.Acquire(gctx, 1); err != nil {
			if ctx.Err() == nil {
				break
			}

			// Cancelled before this op got a worker: record it as skipped(cancelled).
			if dispatchErr = e.skipCancelled(op); dispatchErr != nil {
				break
			}

			continue
		}

		g.Go(func() error {
			defer sem.Release(1)
			return e.applyCreate(gctx, op)
		})
	}

	runErr := g.Wait()
	if runErr == nil {
		runErr = dispatchErr
	}

	if runErr == nil {
		for _, op := range removes {
			if err := e.applyRemove(ctx, op); err != nil {
				runErr = err
				break
			}
		}
	}

	e.mu.Lock()
	summary := e.summary
	e.mu.Unlock()

	return summary, runErr
}

func splitOps(ops []job.Operation) (creates, removes []job.Operation) {
	for _, op := range ops {
		switch op.Kind {
		case job.OpDelete, job.OpMoveToSafetyNet:
			removes = append(removes, op)
		default:
			creates = append(creates, op)
		}
	}

	return creates, removes
}

// applyCreate runs one non-destructive op to completion (possibly skipped
// after retry exhaustion) and returns non-nil only on a fatal journal
// error.
func (e *Executor) applyCreate(ctx context.Context, op job.Operation) error {
	if ctx.Err() != nil {
		return e.skipCancelled(op)
	}

	var attempt func() (string, error)

	switch op.Kind {
	case job.OpMkDir:
		attempt = func() (string, error) { return "", e.doMkDir(op) }
	case job.OpCopy, job.OpUpdateFile:
		attempt = func() (string, error) {
			backupPath, err := e.copyOnce(ctx, op)
			if err != nil {
				return "", err
			}

			return e.settleBackup(op, backupPath), nil
		}
	case job.OpSymlinkCreate:
		attempt = func() (string, error) { return "", e.doSymlink(op) }
	default:
		attempt = func() (string, error) { return "", fmt.Errorf("unknown create op kind %q", op.Kind) }
	}

	return e.runWithJournal(ctx, op, attempt)
}

// applyRemove runs one destructive op. Removes are processed sequentially
// so the Planner's children-before-parents ordering is respected without
// extra coordination.
func (e *Executor) applyRemove(ctx context.Context, op job.Operation) error {
	if ctx.Err() != nil {
		return e.skipCancelled(op)
	}

	var attempt func() (string, error)

	switch op.Kind {
	case job.OpDelete:
		attempt = func() (string, error) { return e.doDelete(op) }
	case job.OpMoveToSafetyNet:
		attempt = func() (string, error) { return e.deps.SafetyNet.Relocate(op.Rel) }
	default:
		attempt = func() (string, error) { return "", fmt.Errorf("unknown remove op kind %q", op.Kind) }
	}

	return e.runWithJournal(ctx, op, attempt)
}

// fatalJournalErr wraps a Journal/Checkpoint persistence failure encountered
// mid-attempt, so classify() can recognize it and runWithJournal can
// propagate it as the Run-aborting error it is, instead of recording it as
// just another skipped op (spec.md §7: "only Journal/Checkpoint persistence
// failures are fatal").
type fatalJournalErr struct{ cause error }

func (e *fatalJournalErr) Error() string { return e.cause.Error() }
func (e *fatalJournalErr) Unwrap() error { return e.cause }

// runWithJournal drives action through the bounded retry policy, appending a
// `started` entry before every attempt and a `failed` entry after every
// unsuccessful one, so the Journal records the full attempt history
// (spec.md §8 scenario S5: "started, failed, started, failed, started,
// failed, skipped"). The final outcome is a single `committed` or `skipped`
// entry appended once retries are exhausted or the error is non-retriable.
func (e *Executor) runWithJournal(ctx context.Context, op job.Operation, action func() (string, error)) error {
	wrapped := func() (string, error) {
		if err := e.appendStarted(op); err != nil {
			return "", &fatalJournalErr{err}
		}

		backupPath, err := action()
		if err == nil {
			return backupPath, nil
		}

		if jerr := e.appendFailed(op, err); jerr != nil {
			return "", &fatalJournalErr{jerr}
		}

		return "", err
	}

	backupPath, ioErr := retry.WithExponentialBackoff(ctx, string(op.Kind)+" "+op.Rel, wrapped, classify, retry.DefaultOptions(e.opts.Retries))

	var fatal *fatalJournalErr
	if errors.As(ioErr, &fatal) {
		return fatal.cause
	}

	if ioErr != nil {
		return e.finishSkipped(op, ioErr)
	}

	return e.finishCommitted(op, backupPath)
}

// skipCancelled records op as skipped(cancelled) without attempting it,
// leaving no partial destination file visible (spec.md §5). It counts
// against Summary.Skipped rather than Summary.Failed: the op was never
// attempted, it just never got its turn.
func (e *Executor) skipCancelled(op job.Operation) error {
	if err := e.appendStarted(op); err != nil {
		return err
	}

	cause := fmt.Errorf("cancelled")

	jerr := e.deps.Journal.Append(job.JournalEntry{
		OpID: op.OpID, Kind: op.Kind, Rel: op.Rel, Phase: job.PhaseSkipped,
		Timestamp: clock.Now(), Reason: cause.Error(),
	})

	e.mu.Lock()
	e.summary.Skipped++
	e.summary.Warnings = append(e.summary.Warnings, fmt.Sprintf("%s: %v", op.Rel, cause))
	e.mu.Unlock()

	e.advanceProgress(op, false)

	return jerr
}

func (e *Executor) appendStarted(op job.Operation) error {
	return e.deps.Journal.Append(job.JournalEntry{
		OpID: op.OpID, Kind: op.Kind, Rel: op.Rel, Phase: job.PhaseStarted, Timestamp: clock.Now(),
	})
}

func (e *Executor) appendFailed(op job.Operation, cause error) error {
	return e.deps.Journal.Append(job.JournalEntry{
		OpID: op.OpID, Kind: op.Kind, Rel: op.Rel, Phase: job.PhaseFailed,
		Timestamp: clock.Now(), Reason: cause.Error(),
	})
}

// settleBackup disposes of a pre-existing-target backup produced by
// copyOnce: promoted into SafetyNet in safety_net mode, removed otherwise
// (spec.md §4.3: "On success the backup is removed (in safety_net mode the
// backup is relocated into SafetyNet instead of being removed)").
func (e *Executor) settleBackup(op job.Operation, backupPath string) string {
	if backupPath == "" {
		return ""
	}

	if e.opts.Mode == job.ModeSafetyNet && e.deps.SafetyNet != nil {
		final, err := e.deps.SafetyNet.RelocateFrom(backupPath, op.Rel)
		if err != nil {
			log.Warnw("safetynet relocation of overwrite backup failed, backup left in place", "rel", op.Rel, "error", err)
			return backupPath
		}

		return final
	}

	if err := e.deps.Fsys.Remove(backupPath); err != nil {
		log.Warnw("failed to remove overwrite backup", "rel", op.Rel, "error", err)
	}

	return ""
}

// finishSkipped records an op that was attempted at least once but never
// succeeded — retries exhausted or a non-retriable error — against
// Summary.Failed (spec.md §3's Summary keeps "skipped" and "failed" as
// distinct counters; this executor reserves "skipped" for ops that were
// never attempted, see skipCancelled).
func (e *Executor) finishSkipped(op job.Operation, cause error) error {
	e.mu.Lock()
	e.summary.Failed++
	e.summary.Warnings = append(e.summary.Warnings, fmt.Sprintf("%s: %v", op.Rel, cause))
	e.mu.Unlock()

	err := e.deps.Journal.Append(job.JournalEntry{
		OpID: op.OpID, Kind: op.Kind, Rel: op.Rel, Phase: job.PhaseSkipped,
		Timestamp: clock.Now(), Reason: cause.Error(),
	})

	e.advanceProgress(op, false)

	return err
}

func (e *Executor) finishCommitted(op job.Operation, backupPath string) error {
	if err := e.deps.Journal.Append(job.JournalEntry{
		OpID: op.OpID, Kind: op.Kind, Rel: op.Rel, Phase: job.PhaseCommitted,
		Timestamp: clock.Now(), BackupPath: backupPath,
	}); err != nil {
		return err
	}

	e.mu.Lock()
	switch op.Kind {
	case job.OpCopy:
		e.summary.Copied++
	case job.OpUpdateFile:
		e.summary.Updated++
	case job.OpMoveToSafetyNet:
		e.summary.MovedToSafetyNet++
	}

	e.summary.BytesTransferred += op.Size
	e.mu.Unlock()

	if e.deps.Checkpoint != nil {
		// Workers commit concurrently; the checkpoint Store is updated under e.mu.
		e.mu.Lock()
		err := e.deps.Checkpoint.NoteOpCommitted(op.Rel, dirOf(op.Rel))
		e.mu.Unlock()

		if err != nil {
			return err
		}
	}

	e.advanceProgress(op, true)

	return nil
}

func (e *Executor) advanceProgress(op job.Operation, committed bool) {
	e.mu.Lock()
	e.done++
	if committed {
		e.bytes += op.Size
	}

	done, total, bytesDone, bytesTotal := e.done, e.total, e.bytes, e.byteGoal
	e.mu.Unlock()

	if e.deps.OnProgress == nil {
		return
	}

	e.progressMu.Lock()
	defer e.progressMu.Unlock()

	now := clock.Now()
	if done < total && now.Sub(e.lastEmit) < progressMinInterval {
		return
	}

	e.lastEmit = now

	e.deps.OnProgress(job.Progress{
		Job: e.deps.JobName, Done: done, Total: total,
		BytesDone: bytesDone, BytesTotal: bytesTotal,
		CurrentRel: op.Rel, Phase: job.PhaseCopying,
	})
}

func (e *Executor) doMkDir(op job.Operation) error {
	return e.ensureDir(filepath.Join(e.deps.DestRoot, filepath.FromSlash(op.Rel)), fileMode(op.Mode))
}

func (e *Executor) doSymlink(op job.Operation) error {
	destAbs := filepath.Join(e.deps.DestRoot, filepath.FromSlash(op.Rel))

	if err := e.ensureDir(filepath.Dir(destAbs), 0o755); err != nil {
		return err
	}

	linker, ok := e.deps.Fsys.(afero.Linker)
	if !ok {
		return fmt.Errorf("filesystem does not support symlinks")
	}

	if err := e.deps.Fsys.Remove(destAbs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove prior entry at %s: %w", op.Rel, err)
	}

	return linker.SymlinkIfPossible(op.Target, destAbs)
}

// doDelete backs up the doomed destination entry to a journal-tracked path
// before removing it, exactly as copyOnce does for overwrites, so a
// committed Delete is still reversible by Rollback (spec.md §8 property #5,
// scenario S6) instead of leaving JournalEntry.BackupPath empty.
func (e *Executor) doDelete(op job.Operation) (string, error) {
	destAbs := filepath.Join(e.deps.DestRoot, filepath.FromSlash(op.Rel))

	if _, statErr := e.deps.Fsys.Stat(destAbs); statErr != nil {
		if os.IsNotExist(statErr) {
			return "", nil
		}

		return "", statErr
	}

	backupPath := backupPathFor(e.deps.DestRoot, op)

	if err := e.ensureDir(filepath.Dir(backupPath), 0o755); err != nil {
		return "", err
	}

	if err := e.deps.Fsys.Rename(destAbs, backupPath); err != nil {
		return "", fmt.Errorf("back up %s before delete: %w", op.Rel, err)
	}

	return backupPath, nil
}

// ensureDir creates dir if it has not already been created by this
// Executor, guarded by a single-writer lock so concurrent workers never
// race on the same MkdirAll (spec.md §4.3: "per-directory creation is
// serialized via a single-writer lock on a map of created-directory
// paths").
func (e *Executor) ensureDir(dir string, mode os.FileMode) error {
	e.dirMu.Lock()
	defer e.dirMu.Unlock()

	if e.createdDirs[dir] {
		return nil
	}

	if err := e.deps.Fsys.MkdirAll(dir, mode); err != nil {
		return err
	}

	e.createdDirs[dir] = true

	return nil
}

// copyOnce streams srcAbs to a sibling temp file, backs up any pre-existing
// target, renames the temp file into place, applies mode/mtime, and
// optionally verifies via sha256 (spec.md §4.3). It returns the path the
// pre-existing target was backed up to, or "" if there was none.
func (e *Executor) copyOnce(ctx context.Context, op job.Operation) (string, error) {
	srcAbs := filepath.Join(e.deps.SourceRoot, filepath.FromSlash(op.Rel))
	destAbs := filepath.Join(e.deps.DestRoot, filepath.FromSlash(op.Rel))

	if err := e.ensureDir(filepath.Dir(destAbs), 0o755); err != nil {
		return "", err
	}

	tmp := fmt.Sprintf("%s.dsp-tmp.%s", destAbs, uuid.NewString())

	srcHash, err := e.streamCopy(ctx, srcAbs, tmp)
	if err != nil {
		e.deps.Fsys.Remove(tmp) //nolint:errcheck

		return "", err
	}

	var backupPath string

	if _, statErr := e.deps.Fsys.Stat(destAbs); statErr == nil {
		backupPath = backupPathFor(e.deps.DestRoot, op)

		if err := e.ensureDir(filepath.Dir(backupPath), 0o755); err != nil {
			e.deps.Fsys.Remove(tmp) //nolint:errcheck
			return "", err
		}

		if err := e.deps.Fsys.Rename(destAbs, backupPath); err != nil {
			e.deps.Fsys.Remove(tmp) //nolint:errcheck
			return "", fmt.Errorf("back up existing %s: %w", op.Rel, err)
		}
	}

	if err := e.deps.Fsys.Rename(tmp, destAbs); err != nil {
		e.restoreBackup(backupPath, destAbs)
		e.deps.Fsys.Remove(tmp) //nolint:errcheck

		return "", fmt.Errorf("rename into place %s: %w", op.Rel, err)
	}

	e.deps.Fsys.Chmod(destAbs, fileMode(op.Mode))       //nolint:errcheck
	e.deps.Fsys.Chtimes(destAbs, clock.Now(), op.MTime) //nolint:errcheck

	if e.opts.Verify {
		if err := e.verify(destAbs, srcHash); err != nil {
			e.deps.Fsys.Remove(destAbs) //nolint:errcheck
			e.restoreBackup(backupPath, destAbs)

			return "", err
		}
	}

	return backupPath, nil
}

func (e *Executor) streamCopy(ctx context.Context, srcAbs, tmp string) ([]byte, error) {
	src, err := e.deps.Fsys.Open(srcAbs)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	dst, err := e.deps.Fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	hasher := sha256.New()

	var w io.Writer = dst
	if e.opts.Verify {
		w = io.MultiWriter(dst, hasher)
	}

	buf := make([]byte, copyBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			dst.Close() //nolint:errcheck
			return nil, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				dst.Close() //nolint:errcheck
				return nil, fmt.Errorf("write temp file: %w", werr)
			}
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			dst.Close() //nolint:errcheck
			return nil, fmt.Errorf("read source: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		dst.Close() //nolint:errcheck
		return nil, fmt.Errorf("sync temp file: %w", err)
	}

	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	return hasher.Sum(nil), nil
}

func (e *Executor) restoreBackup(backupPath, destAbs string) {
	if backupPath == "" {
		return
	}

	if err := e.deps.Fsys.Rename(backupPath, destAbs); err != nil {
		log.Warnw("failed to restore backup after failed write", "dest", destAbs, "error", err)
	}
}

func (e *Executor) verify(destAbs string, want []byte) error {
	f, err := e.deps.Fsys.Open(destAbs)
	if err != nil {
		return fmt.Errorf("verify: open %s: %w", destAbs, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("verify: hash %s: %w", destAbs, err)
	}

	if !bytes.Equal(h.Sum(nil), want) {
		return fmt.Errorf("verify: sha256 mismatch for %s", destAbs)
	}

	return nil
}

func fileMode(m uint32) os.FileMode {
	if m == 0 {
		return 0o644
	}

	return os.FileMode(m)
}

func backupPathFor(destRoot string, op job.Operation) string {
	flat := strings.ReplaceAll(op.Rel, "/", "_")
	return filepath.Join(destRoot, ".DiskSyncPro", "backup", fmt.Sprintf("%d-%s.bak", op.OpID, flat))
}

func dirOf(rel string) string {
	dir := filepath.Dir(filepath.FromSlash(rel))
	if dir == "." {
		return ""
	}

	return filepath.ToSlash(dir)
}
