// Package safetynet implements the SafetyNet quarantine policy (spec.md
// §4.6): in safety_net mode, destination entries that the run would
// otherwise delete or overwrite are relocated under a dated folder instead, preserving relative
// structure and suffixing collisions.
package safetynet

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// DirName is the top-level quarantine directory under dest_root.
const DirName = ".SafetyNet"

// BucketDate formats the dated bucket folder name for t, truncated to the
// day (spec.md §4.6: "<dest_root>/.SafetyNet/<YYYY-MM-DD>/<rel>").
func BucketDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// Net relocates destination entries doomed by the run's mode into
// <dest_root>/.SafetyNet/<date>/<rel>.
type Net struct {
	fsys     afero.Fs
	destRoot string
	date     string
}

// New returns a Net rooted at destRoot, quarantining under today's (date's)
// bucket.
func New(fsys afero.Fs, destRoot, date string) *Net {
	return &Net{fsys: fsys, destRoot: destRoot, date: date}
}

// Root is the quarantine directory for this run's bucket date:
// <dest_root>/.SafetyNet/<date>.
func (n *Net) Root() string {
	return filepath.Join(n.destRoot, DirName, n.date)
}

// Relocate moves the destination entry at rel into this run's SafetyNet
// bucket, appending "(n)" before the extension on collision. It returns the
// final absolute path the entry was moved to, for the caller to record as
// the JournalEntry.BackupPath.
func (n *Net) Relocate(rel string) (string, error) {
	return n.RelocateFrom(filepath.Join(n.destRoot, filepath.FromSlash(rel)), rel)
}

// RelocateFrom moves whatever is at srcAbs (not necessarily still at its
// original rel path — the Executor uses this to promote an overwrite's
// journal-backup file into SafetyNet once safety_net mode has confirmed the
// new content committed) into this run's bucket at rel.
func (n *Net) RelocateFrom(srcAbs, rel string) (string, error) {
	bucketRel := filepath.Join(n.date, filepath.FromSlash(rel))
	dstAbs := filepath.Join(n.destRoot, DirName, bucketRel)

	if err := n.fsys.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return "", fmt.Errorf("safetynet: mkdir for %s: %w", rel, err)
	}

	dstAbs = n.dedupe(dstAbs)

	if err := n.fsys.Rename(srcAbs, dstAbs); err != nil {
		return "", fmt.Errorf("safetynet: relocate %s: %w", rel, err)
	}

	return dstAbs, nil
}

// dedupe appends "(n)" before the extension until path does not already
// exist, so two runs quarantining the same relative path on the same day
// don't clobber each other (spec.md §4.6: "collisions within the same
// bucket append (n) suffixes").
func (n *Net) dedupe(path string) string {
	if _, err := n.fsys.Stat(path); err != nil {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, i, ext)
		if _, err := n.fsys.Stat(candidate); err != nil {
			return candidate
		}
	}
}
