// Package dsyncerr defines the engine-wide error taxonomy (spec.md §7):
// ConfigError, PlanError and JournalError are fatal; ScanWarning and
// per-op OpError outcomes are recoverable and are recorded, not propagated.
package dsyncerr

import (
	"github.com/pkg/errors"
)

// Sentinel errors used with errors.Is across package boundaries.
var (
	// ErrConfig marks a fatal configuration problem: malformed job, invalid
	// mode, unreadable root. No journal is opened when this is returned.
	ErrConfig = errors.New("config error")

	// ErrPlan marks a fatal planning problem: a path escaped its root, or a
	// destination-path collision could not be resolved.
	ErrPlan = errors.New("plan error")

	// ErrJournal marks both journal sinks being unwritable. The engine
	// attempts automatic rollback and then aborts with exit code 2.
	ErrJournal = errors.New("journal error")

	// ErrCancelled marks a user-requested cancellation. The engine persists
	// its checkpoint and exits with code 3.
	ErrCancelled = errors.New("cancelled")

	// ErrNonRetriable marks an OpError that must not be retried (ENOSPC,
	// persistent EACCES, EINVAL, or a persistent verify mismatch).
	ErrNonRetriable = errors.New("non-retriable operation error")

	// ErrRetriable marks an OpError that is transient and should be retried
	// (interrupted I/O, temporary permission denial, EAGAIN-class).
	ErrRetriable = errors.New("retriable operation error")

	// ErrCheckpointExists is returned by the engine when a checkpoint file
	// is present and the caller did not request --resume.
	ErrCheckpointExists = errors.New("checkpoint exists; pass Resume to continue or remove it to start fresh")

	// ErrMetadata marks both metadata sinks being unwritable at end-of-run.
	// Unlike ErrJournal this does not trigger automatic Rollback — every op
	// already committed successfully, only the snapshot/index/summary
	// artifacts failed to land — but it is still reported as a fatal error
	// to the caller.
	ErrMetadata = errors.New("metadata error")
)

// ConfigError wraps a fatal configuration problem with context.
type ConfigError struct {
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return "config error: " + e.Reason + ": " + e.Cause.Error()
	}

	return "config error: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError builds a ConfigError.
func NewConfigError(reason string, cause error) error {
	return &ConfigError{Reason: reason, Cause: cause}
}

// PlanError wraps a fatal planning problem with the offending relative path.
type PlanError struct {
	Rel    string
	Reason string
}

func (e *PlanError) Error() string {
	return "plan error: " + e.Rel + ": " + e.Reason
}

func (e *PlanError) Unwrap() error { return ErrPlan }

// NewPlanError builds a PlanError.
func NewPlanError(rel, reason string) error {
	return &PlanError{Rel: rel, Reason: reason}
}

// OpError describes the outcome of a failed per-file operation. It never
// propagates up the call stack; the executor records it against the op and
// continues (spec.md §7 policy).
type OpError struct {
	Rel       string
	Reason    string
	Retriable bool
	Cause     error
}

func (e *OpError) Error() string {
	return "op error: " + e.Rel + ": " + e.Reason
}

func (e *OpError) Unwrap() error {
	if e.Retriable {
		return ErrRetriable
	}

	return ErrNonRetriable
}

// NewOpError builds an OpError; the caller decides retriable from the raw
// I/O error.
func NewOpError(rel, reason string, retriable bool, cause error) error {
	return &OpError{Rel: rel, Reason: reason, Retriable: retriable, Cause: cause}
}

// ScanWarning describes a recoverable per-entry scan failure. The entry is
// omitted from the resulting Tree and the warning is surfaced in the run
// summary; it is never fatal.
type ScanWarning struct {
	Rel    string
	Reason string
}

func (w *ScanWarning) Error() string {
	return "scan warning: " + w.Rel + ": " + w.Reason
}

// JournalError wraps a dual-sink journal durability failure.
type JournalError struct {
	Reason string
	Cause  error
}

func (e *JournalError) Error() string {
	if e.Cause != nil {
		return "journal error: " + e.Reason + ": " + e.Cause.Error()
	}

	return "journal error: " + e.Reason
}

func (e *JournalError) Unwrap() error { return ErrJournal }

// NewJournalError builds a JournalError.
func NewJournalError(reason string, cause error) error {
	return &JournalError{Reason: reason, Cause: cause}
}

// MetadataError wraps a dual-sink snapshot/index/summary write failure.
type MetadataError struct {
	Reason string
	Cause  error
}

func (e *MetadataError) Error() string {
	if e.Cause != nil {
		return "metadata error: " + e.Reason + ": " + e.Cause.Error()
	}

	return "metadata error: " + e.Reason
}

func (e *MetadataError) Unwrap() error { return ErrMetadata }

// NewMetadataError builds a MetadataError.
func NewMetadataError(reason string, cause error) error {
	return &MetadataError{Reason: reason, Cause: cause}
}
