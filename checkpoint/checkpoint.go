// Package checkpoint persists job.Checkpoint to durable storage, providing
// the periodic-rewrite and resume-load behavior spec.md §4.5 describes.
package checkpoint

import (
	"encoding/json"

	"github.com/spf13/afero"

	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/internal/atomicfile"
	"github.com/dsyncpro/dsync/internal/logging"
	"github.com/dsyncpro/dsync/job"
)

var log = logging.Module("dsync/checkpoint")

// FlushInterval is the number of completed ops between periodic rewrites
// (spec.md §4.5: "atomically rewritten... every N ops (N=100)").
const FlushInterval = 100

// Store owns the on-disk lifecycle of one run's Checkpoint: periodic
// flush every FlushInterval completed ops, an unconditional flush on
// cancel, and deletion on successful completion.
type Store struct {
	fsys       afero.Fs
	path       string
	cp         *job.Checkpoint
	sinceFlush int
}

// New creates a Store for a fresh run with an empty Checkpoint.
func New(fsys afero.Fs, path, jobName string) *Store {
	return &Store{fsys: fsys, path: path, cp: job.NewCheckpoint(jobName)}
}

// Load reads an existing checkpoint file for --resume. Returns
// dsyncerr.ErrCheckpointExists-wrapped nil error semantics are the caller's
// responsibility: Load itself just reports whether the file exists and, if
// so, parses it.
func Load(fsys afero.Fs, path string) (*job.Checkpoint, bool, error) {
	exists, err := afero.Exists(fsys, path)
	if err != nil {
		return nil, false, dsyncerr.NewConfigError("stat checkpoint "+path, err)
	}

	if !exists {
		return nil, false, nil
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, true, dsyncerr.NewConfigError("read checkpoint "+path, err)
	}

	cp := &job.Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, true, dsyncerr.NewConfigError("parse checkpoint "+path, err)
	}

	if cp.CompletedFiles == nil {
		cp.CompletedFiles = map[string]bool{}
	}

	if cp.CompletedDirs == nil {
		cp.CompletedDirs = map[string]bool{}
	}

	return cp, true, nil
}

// Resume builds a Store around a checkpoint previously returned by Load.
func Resume(fsys afero.Fs, path string, cp *job.Checkpoint) *Store {
	return &Store{fsys: fsys, path: path, cp: cp}
}

// Checkpoint returns the live Checkpoint the Store persists.
func (s *Store) Checkpoint() *job.Checkpoint { return s.cp }

// NoteOpCommitted records one committed op against dir's total and flushes
// to disk every FlushInterval calls, regardless of directory.
func (s *Store) NoteOpCommitted(rel, dir string) error {
	s.cp.MarkFileCompleted(rel)
	s.cp.NoteDirOpDone(dir)

	s.sinceFlush++
	if s.sinceFlush >= FlushInterval {
		s.sinceFlush = 0
		return s.Flush()
	}

	return nil
}

// Flush unconditionally rewrites the checkpoint file. Called on cancel and
// at the periodic interval.
func (s *Store) Flush() error {
	data, err := json.MarshalIndent(s.cp, "", "  ")
	if err != nil {
		return dsyncerr.NewJournalError("marshal checkpoint", err)
	}

	if err := atomicfile.WriteFile(s.fsys, s.path, data, 0o644); err != nil {
		log.Warnw("checkpoint flush failed", "path", s.path, "error", err)
		return dsyncerr.NewJournalError("flush checkpoint", err)
	}

	return nil
}

// Delete removes the checkpoint file on successful run completion
// (spec.md §3: "deleted on successful completion").
func (s *Store) Delete() error {
	if err := s.fsys.Remove(s.path); err != nil {
		if exists, statErr := afero.Exists(s.fsys, s.path); statErr == nil && !exists {
			return nil
		}

		return dsyncerr.NewJournalError("delete checkpoint", err)
	}

	return nil
}
