// Package atomicfile provides durable write-temp-then-rename semantics over
// an afero.Fs, the same contract github.com/natefinch/atomic.WriteFile gives
// the real OS filesystem, but testable against afero.NewMemMapFs() (spec.md
// §4.4/§4.7: journal, checkpoint, snapshot, and index writes must never leave
// a half-written file in place of a prior good one).
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// WriteFile writes data to path by writing to a sibling temp file, syncing
// it, and renaming it over path. The rename is atomic on every POSIX
// filesystem and on NTFS; a crash before the rename leaves the previous
// contents of path untouched.
func WriteFile(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()))

	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		fsys.Remove(tmp)

		return fmt.Errorf("atomicfile: write temp: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		fsys.Remove(tmp)

		return fmt.Errorf("atomicfile: sync temp: %w", err)
	}

	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}

	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("atomicfile: rename: %w", err)
	}

	return nil
}

// windowsLongPathPrefix is the \\?\ prefix that tells the Windows API to
// bypass MAX_PATH, required once an absolute path exceeds the historical
// 260-character limit.
const windowsLongPathPrefix = `\\?\`

// maxUnprefixedPathLen is the longest absolute path Windows accepts without
// the \\?\ prefix.
const maxUnprefixedPathLen = 259

// MaybePrefixLongFilenameOnWindows prepends the \\?\ long-path prefix to abs
// when needed, mirroring natefinch/atomic's own handling so that journal and
// checkpoint files nested under deep SafetyNet bucket paths don't silently
// fail to open on Windows. Relative paths and already-prefixed paths are
// returned unchanged, since the prefix only has meaning for absolute paths.
func MaybePrefixLongFilenameOnWindows(path string) string {
	if strings.HasPrefix(path, windowsLongPathPrefix) {
		return path
	}

	if len(path) <= maxUnprefixedPathLen {
		return path
	}

	if !filepath.IsAbs(path) && !hasDriveLetter(path) {
		return path
	}

	cleaned := filepath.Clean(filepath.FromSlash(path))

	return windowsLongPathPrefix + cleaned
}

func hasDriveLetter(path string) bool {
	return len(path) >= 2 && path[1] == ':' &&
		((path[0] >= 'a' && path[0] <= 'z') || (path[0] >= 'A' && path[0] <= 'Z'))
}
