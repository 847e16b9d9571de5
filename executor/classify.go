package executor

import (
	"context"
	"errors"
	"os"
	"syscall"
)

// classify reports whether an I/O error from a copy/mkdir/delete/symlink
// attempt is worth retrying (spec.md §7: OpError distinguishes a
// Retriable set — transient I/O errors, temporary permission denials,
// interrupted syscalls — from a NonRetriable set — ENOSPC, persistent
// EACCES, EINVAL, and Verify mismatches after retries are exhausted).
// Errors this process cannot classify with confidence default to
// retriable: a spurious retry against a persistent fault costs one more
// bounded backoff cycle before the run still ends in the same skip.
func classify(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var fatal *fatalJournalErr
	if errors.As(err, &fatal) {
		return false
	}

	switch {
	case errors.Is(err, syscall.ENOSPC):
		return false
	case errors.Is(err, syscall.EINVAL):
		return false
	case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
		return true
	case errors.Is(err, os.ErrPermission):
		return false
	case errors.Is(err, os.ErrNotExist):
		return false
	default:
		return true
	}
}
