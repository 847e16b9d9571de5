package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/internal/atomicfile"
	"github.com/dsyncpro/dsync/job"
)

// Outcome describes what happened when reversing one JournalEntry.
type Outcome struct {
	OpID     int64
	Rel      string
	Kind     job.OpKind
	Reversed bool
	Reason   string // set when Reversed is false
}

// Report is the full result of one Rollback call.
type Report struct {
	Outcomes []Outcome
}

// Unrecoverable reports whether any entry could not be reversed.
func (r Report) Unrecoverable() bool {
	for _, o := range r.Outcomes {
		if !o.Reversed {
			return true
		}
	}

	return false
}

// Persister durably flags an entry as rolled back, so a later replay over
// the same physical journal — possibly in a different process — honors it
// too (spec.md §4.4: "each entry records a rolled_back flag; replay honors
// it"). *Journal itself satisfies this; FilePersister adapts a single
// on-disk journal file loaded outside of any live Journal (the standalone
// `dsync rollback` command).
type Persister interface {
	MarkRolledBack(opID int64) error
}

// Rollback reverses committed, not-yet-rolled-back entries in reverse
// append order (spec.md §4.4). It mutates entries in place, setting
// RolledBack on each one it successfully reverses, so replaying Rollback
// over an already-partially-rolled-back journal is idempotent within this
// call. persist, when non-nil, is told about each successful reversal so
// the flag is durable across process restarts too; a persist failure is
// logged and does not undo the already-applied filesystem reversal. When
// dryRun is true no filesystem mutation occurs and persist is never
// called; every eligible entry is reported as if it would be reversed.
func Rollback(fsys afero.Fs, destRoot string, entries []job.JournalEntry, dryRun bool, persist Persister) Report {
	var report Report

	for i := len(entries) - 1; i >= 0; i-- {
		e := &entries[i]

		if e.Phase != job.PhaseCommitted || e.RolledBack {
			continue
		}

		outcome := Outcome{OpID: e.OpID, Rel: e.Rel, Kind: e.Kind}

		if dryRun {
			outcome.Reversed = true
			report.Outcomes = append(report.Outcomes, outcome)

			continue
		}

		if err := reverseOne(fsys, destRoot, e); err != nil {
			outcome.Reason = err.Error()
			report.Outcomes = append(report.Outcomes, outcome)

			continue
		}

		e.RolledBack = true
		outcome.Reversed = true
		report.Outcomes = append(report.Outcomes, outcome)

		if persist != nil {
			if perr := persist.MarkRolledBack(e.OpID); perr != nil {
				log.Warnw("failed to persist rolled_back flag", "op_id", e.OpID, "rel", e.Rel, "error", perr)
			}
		}
	}

	return report
}

func reverseOne(fsys afero.Fs, destRoot string, e *job.JournalEntry) error {
	abs := filepath.Join(destRoot, filepath.FromSlash(e.Rel))

	switch e.Kind {
	case job.OpCopy, job.OpSymlinkCreate:
		if err := fsys.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", e.Rel, err)
		}

		return nil

	case job.OpUpdateFile, job.OpDelete, job.OpMoveToSafetyNet:
		if e.BackupPath == "" {
			return fmt.Errorf("no backup recorded for %s, unrecoverable", e.Rel)
		}

		return restoreFromBackup(fsys, e.BackupPath, abs)

	case job.OpMkDir:
		children, err := afero.ReadDir(fsys, abs)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return fmt.Errorf("read %s: %w", e.Rel, err)
		}

		if len(children) > 0 {
			return fmt.Errorf("directory %s is not empty, cannot undo mkdir", e.Rel)
		}

		return fsys.Remove(abs)

	default:
		return fmt.Errorf("unknown operation kind %q for %s", e.Kind, e.Rel)
	}
}

func restoreFromBackup(fsys afero.Fs, backupPath, destAbs string) error {
	if err := fsys.MkdirAll(filepath.Dir(destAbs), 0o755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", destAbs, err)
	}

	if err := fsys.Rename(backupPath, destAbs); err != nil {
		return fmt.Errorf("restore %s from %s: %w", destAbs, backupPath, err)
	}

	return nil
}

// FilePersister is a Persister for a journal file loaded via Load outside
// of any live Journal — the standalone `dsync rollback -f` command has no
// Journal instance, only the file it read entries from. It rewrites that
// same file whole after each successful reversal, the same
// write-temp-then-rename durability every other on-disk artifact here uses.
type FilePersister struct {
	fsys    afero.Fs
	path    string
	entries []job.JournalEntry
}

// NewFilePersister adapts entries (as returned by Load from path) so
// Rollback can persist rolled_back flags back to path as it reverses them.
func NewFilePersister(fsys afero.Fs, path string, entries []job.JournalEntry) *FilePersister {
	return &FilePersister{fsys: fsys, path: path, entries: entries}
}

func (p *FilePersister) MarkRolledBack(opID int64) error {
	for i := range p.entries {
		if p.entries[i].OpID == opID {
			p.entries[i].RolledBack = true
		}
	}

	data, err := json.MarshalIndent(p.entries, "", "  ")
	if err != nil {
		return dsyncerr.NewJournalError("marshal journal", err)
	}

	return atomicfile.WriteFile(p.fsys, p.path, data, 0o644)
}
