// Package metadata implements the Metadata Writer (spec.md §4.7): atomic
// dual-sink emission of the snapshot, index, and summary artifacts a
// successful run produces.
package metadata

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/internal/atomicfile"
	"github.com/dsyncpro/dsync/internal/logging"
	"github.com/dsyncpro/dsync/job"
)

var log = logging.Module("dsync/metadata")

const schemaVersion = 1

// Dirs are the two roots a Writer mirrors every artifact under (spec.md
// §4.7, §6): the project's own logs directory and <dest_root>/.DiskSyncPro/.
type Dirs struct {
	ProjectDir string
	DestDir    string
}

// Writer emits snapshot/index/summary artifacts to both Dirs.
type Writer struct {
	fsys afero.Fs
	dirs Dirs
}

// New returns a Writer rooted at dirs. Both directories must already exist.
func New(fsys afero.Fs, dirs Dirs) *Writer {
	return &Writer{fsys: fsys, dirs: dirs}
}

// Stamp formats a run timestamp the way the on-disk filenames embed it
// (spec.md §6: "snapshot_<YYYYMMDD_HHMMSS>.json").
func Stamp(t time.Time) string {
	return t.Format("20060102_150405")
}

// WriteSnapshot builds and durably writes a Snapshot for tree under both
// sinks' snapshots/ subdirectory, returning a fresh snapshot_id.
func (w *Writer) WriteSnapshot(jobName string, tree job.Tree, startedAt, finishedAt time.Time, counters job.Summary) (string, error) {
	snapshotID := uuid.NewString()

	snap := job.Snapshot{
		SchemaVersion: schemaVersion,
		SnapshotID:    snapshotID,
		JobName:       jobName,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		Tree:          tree,
		Counters:      counters,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("metadata: marshal snapshot: %w", err)
	}

	rel := filepath.Join("snapshots", fmt.Sprintf("snapshot_%s.json", Stamp(finishedAt)))
	if err := w.writeBoth(rel, data); err != nil {
		return "", err
	}

	return snapshotID, nil
}

// WriteSummary durably writes counters under both sinks as
// summary_<stamp>.json.
func (w *Writer) WriteSummary(counters job.Summary, finishedAt time.Time) error {
	data, err := json.MarshalIndent(counters, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata: marshal summary: %w", err)
	}

	rel := fmt.Sprintf("summary_%s.json", Stamp(finishedAt))

	return w.writeBoth(rel, data)
}

// UpdateIndex appends entry to the index (read from whichever sink is
// available, defaulting to a fresh schema-versioned Index) and durably
// rewrites it to both sinks — "append entry, atomic replace" (spec.md
// §3, §4.7).
func (w *Writer) UpdateIndex(entry job.IndexEntry) error {
	rel := filepath.Join("snapshots", "index.json")

	idx, err := w.readIndex(rel)
	if err != nil {
		return err
	}

	idx.Entries = append(idx.Entries, entry)

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata: marshal index: %w", err)
	}

	return w.writeBoth(rel, data)
}

func (w *Writer) readIndex(rel string) (job.Index, error) {
	for _, dir := range []string{w.dirs.DestDir, w.dirs.ProjectDir} {
		if dir == "" {
			continue
		}

		data, err := afero.ReadFile(w.fsys, filepath.Join(dir, rel))
		if err == nil {
			var idx job.Index
			if jerr := json.Unmarshal(data, &idx); jerr != nil {
				return job.Index{}, fmt.Errorf("metadata: parse existing index: %w", jerr)
			}

			return idx, nil
		}
	}

	return job.Index{SchemaVersion: schemaVersion}, nil
}

// writeBoth durably writes data to rel under both sinks, degrading to a
// single-sink warning if one fails and only failing outright if both do
// (spec.md §9: "either sink's failure degrades to single-sink with a
// warning, but only dual failure is fatal").
func (w *Writer) writeBoth(rel string, data []byte) error {
	var errProject, errDest error

	if w.dirs.ProjectDir != "" {
		errProject = atomicfile.WriteFile(w.fsys, filepath.Join(w.dirs.ProjectDir, rel), data, 0o644)
	}

	if w.dirs.DestDir != "" {
		errDest = atomicfile.WriteFile(w.fsys, filepath.Join(w.dirs.DestDir, rel), data, 0o644)
	}

	switch {
	case errProject != nil && errDest != nil:
		return dsyncerr.NewMetadataError(
			"both sinks unwritable for "+rel,
			fmt.Errorf("project: %v, dest: %v", errProject, errDest), //nolint:errorlint
		)
	case errProject != nil:
		log.Warnw("metadata project sink degraded, continuing on dest sink only", "rel", rel, "error", errProject)
	case errDest != nil:
		log.Warnw("metadata dest sink degraded, continuing on project sink only", "rel", rel, "error", errDest)
	}

	return nil
}
