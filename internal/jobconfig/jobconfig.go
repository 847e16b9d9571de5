// Package jobconfig loads the Job configuration file the CLI's -c flag
// names (spec.md §6): a YAML document listing one or more jobs, selected by
// name via -j. Unknown fields are ignored rather than rejected (spec.md
// §6: "Unknown fields ignored"); an unknown mode is a fatal ConfigError.
package jobconfig

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/dsyncpro/dsync/dsyncerr"
	"github.com/dsyncpro/dsync/job"
)

// File is the on-disk shape of a -c config file: a flat list of jobs,
// matching desertwitch-mirrorshuttle's precedent of one YAML document per
// field-named struct, generalized here to hold many named jobs instead of
// one anonymous run.
type File struct {
	Jobs []job.Job `yaml:"jobs"`
}

// Load reads and parses path, validating every job's mode.
func Load(fsys afero.Fs, path string) (File, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return File{}, dsyncerr.NewConfigError("read job config "+path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, dsyncerr.NewConfigError("parse job config "+path, err)
	}

	for _, j := range f.Jobs {
		if !j.Mode.Valid() {
			return File{}, dsyncerr.NewConfigError("job "+j.Name, fmt.Errorf("unknown mode %q", j.Mode))
		}
	}

	return f, nil
}

// Lookup returns the named job, applying its defaults (spec.md §3).
func (f File) Lookup(name string) (job.Job, error) {
	for _, j := range f.Jobs {
		if j.Name == name {
			return j.WithDefaults(), nil
		}
	}

	return job.Job{}, dsyncerr.NewConfigError("lookup job", fmt.Errorf("job %q not found in config", name))
}
