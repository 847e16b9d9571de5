// Package scanner implements the Scanner component (spec.md §4.1): it walks
// a root and produces a job.Tree, pruning excluded paths before descent and
// recording symlinks without following them.
package scanner

import (
	"context"
	"io/fs"
	"path"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/internal/logging"
	"github.com/dsyncpro/dsync/job"
	"github.com/dsyncpro/dsync/pathutil"
)

var log = logging.Module("dsync/scanner")

// Options configures one Scan call.
type Options struct {
	// Fs is the filesystem to walk. A real run passes afero.NewOsFs();
	// tests pass afero.NewMemMapFs().
	Fs afero.Fs

	// Root is the absolute path to scan.
	Root string

	// Exclude matches paths to prune before descent.
	Exclude *pathutil.Matcher

	// CompletedDirs, when non-nil, are directories the Scanner must not
	// descend into — used on the destination side during --resume
	// (spec.md §4.1). Paths are relative, POSIX-normalized.
	CompletedDirs map[string]bool
}

// Result is the output of a Scan: the discovered Tree plus any recoverable
// per-entry warnings (spec.md §4.1).
type Result struct {
	Tree     job.Tree
	Warnings []dsyncerr.ScanWarning
}

// Scan walks opts.Root and returns the discovered Tree. Per-entry I/O
// errors are recorded as warnings and the entry is omitted; failure to open
// the root itself is fatal and returned as err.
func Scan(ctx context.Context, opts Options) (Result, error) {
	res := Result{Tree: job.Tree{}}

	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	rootInfo, err := opts.Fs.Stat(opts.Root)
	if err != nil {
		return res, errors.Wrapf(err, "cannot open scan root %q", opts.Root)
	}

	if !rootInfo.IsDir() {
		return res, errors.Errorf("scan root %q is not a directory", opts.Root)
	}

	if err := walkDir(ctx, opts, "", &res); err != nil {
		return res, err
	}

	return res, nil
}

// walkDir recursively visits rel (relative to opts.Root, "" for the root
// itself), yielding directories before their contents (spec.md §4.1
// ordering) and pruning excluded or checkpoint-completed directories before
// descending into them.
func walkDir(ctx context.Context, opts Options, rel string, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	abs := path.Join(opts.Root, rel)

	entries, err := afero.ReadDir(opts.Fs, abs)
	if err != nil {
		if rel == "" {
			return errors.Wrapf(err, "cannot read scan root %q", abs)
		}

		log.Warnw("cannot read directory", "rel", rel, "error", err)
		res.Warnings = append(res.Warnings, dsyncerr.ScanWarning{Rel: rel, Reason: err.Error()})
		delete(res.Tree, rel)

		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}

		norm, err := pathutil.Normalize(childRel)
		if err != nil {
			res.Warnings = append(res.Warnings, dsyncerr.ScanWarning{Rel: childRel, Reason: err.Error()})
			continue
		}

		if opts.Exclude.Match(norm) {
			continue
		}

		childAbs := path.Join(opts.Root, norm)

		rec, isDir := statEntry(opts.Fs, childAbs, norm, e)
		res.Tree[norm] = rec

		if isDir {
			if opts.CompletedDirs[norm] {
				// Prior run fully processed this directory; its contents
				// are assumed unchanged and are pruned from this scan.
				continue
			}

			if err := walkDir(ctx, opts, norm, res); err != nil {
				return err
			}
		}
	}

	return nil
}

// statEntry converts a directory entry into a FileRecord, classifying
// symlinks without following them.
func statEntry(fsys afero.Fs, abs, rel string, e fs.FileInfo) (job.FileRecord, bool) {
	mode := e.Mode()

	if mode&fs.ModeSymlink != 0 {
		target := ""

		// afero's symlink reader is optional; fall back silently when the
		// underlying Fs doesn't implement it, recording the symlink without
		// a target rather than failing the whole scan over it.
		if lr, ok := fsys.(afero.LinkReader); ok {
			if t, err := lr.ReadlinkIfPossible(abs); err == nil {
				target = t
			}
		}

		return job.FileRecord{
			Rel:           rel,
			Kind:          job.KindSymlink,
			Mode:          uint32(mode.Perm()),
			SymlinkTarget: target,
		}, false
	}

	return job.FileRecord{
		Rel:   rel,
		Kind:  kindOf(e),
		Size:  e.Size(),
		MTime: e.ModTime(),
		Mode:  uint32(e.Mode().Perm()),
	}, e.IsDir()
}

func kindOf(info fs.FileInfo) job.Kind {
	if info.IsDir() {
		return job.KindDir
	}

	return job.KindFile
}

