package job

// Checkpoint is the durable completion index consulted on resume
// (spec.md §3, §4.5).
type Checkpoint struct {
	SchemaVersion  int             `json:"schema"`
	JobName        string          `json:"job_name"`
	CompletedFiles map[string]bool `json:"completed_files"`
	CompletedDirs  map[string]bool `json:"completed_dirs"`

	// dirOpTotals/dirOpDone are in-memory only (not persisted): the count of
	// planned vs. committed operations per directory, used to decide when a
	// directory graduates into CompletedDirs. Kept here for convenience but
	// excluded from JSON since they're a derived, run-scoped bookkeeping aid.
	dirOpTotal map[string]int `json:"-"`
	dirOpDone  map[string]int `json:"-"`
}

// NewCheckpoint returns an empty Checkpoint for jobName.
func NewCheckpoint(jobName string) *Checkpoint {
	return &Checkpoint{
		SchemaVersion:  1,
		JobName:        jobName,
		CompletedFiles: map[string]bool{},
		CompletedDirs:  map[string]bool{},
		dirOpTotal:     map[string]int{},
		dirOpDone:      map[string]int{},
	}
}

// IsFileCompleted reports whether rel was already committed in a prior run.
func (c *Checkpoint) IsFileCompleted(rel string) bool {
	return c.CompletedFiles[rel]
}

// IsDirCompleted reports whether rel was already fully processed.
func (c *Checkpoint) IsDirCompleted(rel string) bool {
	return c.CompletedDirs[rel]
}

// MarkFileCompleted records rel as committed.
func (c *Checkpoint) MarkFileCompleted(rel string) {
	if c.CompletedFiles == nil {
		c.CompletedFiles = map[string]bool{}
	}

	c.CompletedFiles[rel] = true
}

// SetDirOpTotal records how many operations the Planner scheduled under
// directory rel, so MarkFileCompleted-driven progress can detect when the
// directory is fully committed.
func (c *Checkpoint) SetDirOpTotal(dir string, n int) {
	if c.dirOpTotal == nil {
		c.dirOpTotal = map[string]int{}
	}

	c.dirOpTotal[dir] = n
}

// NoteDirOpDone increments the committed-op count for dir and, once it
// reaches the planned total, adds dir to CompletedDirs.
func (c *Checkpoint) NoteDirOpDone(dir string) {
	if c.dirOpDone == nil {
		c.dirOpDone = map[string]int{}
	}

	c.dirOpDone[dir]++

	if c.dirOpTotal[dir] > 0 && c.dirOpDone[dir] >= c.dirOpTotal[dir] {
		if c.CompletedDirs == nil {
			c.CompletedDirs = map[string]bool{}
		}

		c.CompletedDirs[dir] = true
	}
}

// Phase of a Progress event (spec.md §6).
type RunPhase string

const (
	PhaseScanning    RunPhase = "scanning"
	PhasePlanning    RunPhase = "planning"
	PhaseCopying     RunPhase = "copying"
	PhaseVerifying   RunPhase = "verifying"
	PhaseFinalizing  RunPhase = "finalizing"
	PhaseRollingBack RunPhase = "rolling_back"
)

// Progress is the event stream published to the UI collaborator
// (spec.md §6).
type Progress struct {
	Job        string
	Done       int64
	Total      int64
	BytesDone  int64
	BytesTotal int64
	CurrentRel string
	Phase      RunPhase
}
