// Package journal implements the append-only Journal (spec.md §4.4): a
// single-writer log of JournalEntry records durably mirrored to two sinks,
// consulted by Rollback.
package journal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/internal/atomicfile"
	"github.com/dsyncpro/dsync/internal/logging"
	"github.com/dsyncpro/dsync/job"
)

var log = logging.Module("dsync/journal")

// Sinks are the two physical locations a Journal keeps in lockstep
// (spec.md §4.4, §6): the project's own logs directory and
// <dest_root>/.DiskSyncPro/. Either may be left empty to disable that sink
// entirely (used by tests); in production both are always set.
type Sinks struct {
	ProjectPath string
	DestPath    string
}

// Journal is the append-only log of JournalEntry records. All producers go
// through one Journal instance per run. Append and MarkRolledBack serialize
// on the Journal's own mutex, so concurrent executor workers get a single,
// well-defined on-disk order; there is no dedicated writer goroutine.
type Journal struct {
	fsys  afero.Fs
	sinks Sinks

	mu      sync.Mutex
	entries []job.JournalEntry
}

// Open returns a Journal backed by sinks. The sinks' parent directories must
// already exist.
func Open(fsys afero.Fs, sinks Sinks) *Journal {
	return &Journal{fsys: fsys, sinks: sinks}
}

// Append records entry and durably rewrites both sinks before returning, so
// a "committed" entry is guaranteed flushed before any caller acts on it
// (spec.md §5: "Journal committed for op X is durable before completed_files
// records X").
func (j *Journal) Append(entry job.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, entry)

	if err := j.flushLocked(); err != nil {
		j.entries = j.entries[:len(j.entries)-1]
		return err
	}

	return nil
}

// MarkRolledBack flags the entry for opID as reversed, so a later Rollback
// replay over the same journal is idempotent (spec.md §4.4), and persists
// the change.
func (j *Journal) MarkRolledBack(opID int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range j.entries {
		if j.entries[i].OpID == opID {
			j.entries[i].RolledBack = true
		}
	}

	return j.flushLocked()
}

// Entries returns a snapshot of the current in-memory log in append order.
func (j *Journal) Entries() []job.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]job.JournalEntry, len(j.entries))
	copy(out, j.entries)

	return out
}

// flushLocked rewrites both sinks with the full current log. The logical
// journal is append-only — entries are never removed, only appended or
// flagged rolled_back — even though the physical file is rewritten whole
// each time via atomicfile.WriteFile, matching the write-temp-then-rename
// durability the rest of the engine uses for every on-disk artifact.
func (j *Journal) flushLocked() error {
	data, err := json.MarshalIndent(j.entries, "", "  ")
	if err != nil {
		return dsyncerr.NewJournalError("marshal journal", err)
	}

	var errProject, errDest error

	if j.sinks.ProjectPath != "" {
		errProject = atomicfile.WriteFile(j.fsys, j.sinks.ProjectPath, data, 0o644)
	}

	if j.sinks.DestPath != "" {
		errDest = atomicfile.WriteFile(j.fsys, j.sinks.DestPath, data, 0o644)
	}

	switch {
	case errProject != nil && errDest != nil:
		return dsyncerr.NewJournalError(
			"both sinks unwritable",
			fmt.Errorf("project: %v, dest: %v", errProject, errDest), //nolint:errorlint
		)
	case errProject != nil:
		log.Warnw("journal project sink degraded, continuing on dest sink only", "error", errProject)
	case errDest != nil:
		log.Warnw("journal dest sink degraded, continuing on project sink only", "error", errDest)
	}

	return nil
}

// Load reads a previously written journal file from either sink, for use by
// the standalone rollback command.
func Load(fsys afero.Fs, path string) ([]job.JournalEntry, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, dsyncerr.NewJournalError("read "+path, err)
	}

	var entries []job.JournalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, dsyncerr.NewJournalError("parse "+path, err)
	}

	return entries, nil
}
