package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsyncpro/dsync/engine"
)

func writeConfig(t *testing.T, dir, srcRoot, destRoot string) string {
	t.Helper()

	cfgPath := filepath.Join(dir, "dsync.yaml")
	doc := "jobs:\n" +
		"  - name: job1\n" +
		"    source_root: " + srcRoot + "\n" +
		"    dest_root: " + destRoot + "\n" +
		"    mode: clone\n"

	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o644))

	return cfgPath
}

func TestBackup_DryRunReportsPlanWithoutMutating(t *testing.T) {
	root := t.TempDir()
	srcRoot := filepath.Join(root, "src")
	destRoot := filepath.Join(root, "dest")
	require.NoError(t, os.MkdirAll(srcRoot, 0o755))
	require.NoError(t, os.MkdirAll(destRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("hi"), 0o644))

	cfgPath := writeConfig(t, root, srcRoot, destRoot)

	code := run([]string{"backup", "-c", cfgPath, "-j", "job1", "--dry-run"})
	require.Equal(t, int(engine.ExitSuccess), code)

	_, err := os.Stat(filepath.Join(destRoot, "a.txt"))
	require.True(t, os.IsNotExist(err), "dry-run must not touch the destination")
}

func TestBackup_RealRunThenRollback(t *testing.T) {
	root := t.TempDir()
	srcRoot := filepath.Join(root, "src")
	destRoot := filepath.Join(root, "dest")
	require.NoError(t, os.MkdirAll(srcRoot, 0o755))
	require.NoError(t, os.MkdirAll(destRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("hi"), 0o644))

	cfgPath := writeConfig(t, root, srcRoot, destRoot)

	code := run([]string{"backup", "-c", cfgPath, "-j", "job1"})
	require.Equal(t, int(engine.ExitSuccess), code)

	content, err := os.ReadFile(filepath.Join(destRoot, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(content))

	journalDir := filepath.Join(destRoot, ".DiskSyncPro")
	entries, err := os.ReadDir(journalDir)
	require.NoError(t, err)

	var journalPath string

	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" && len(e.Name()) > 8 && e.Name()[:8] == "journal_" {
			journalPath = filepath.Join(journalDir, e.Name())
		}
	}

	require.NotEmpty(t, journalPath, "backup must leave a journal file behind")

	code = run([]string{"rollback", "-f", journalPath})
	require.Equal(t, int(engine.ExitSuccess), code)

	_, err = os.Stat(filepath.Join(destRoot, "a.txt"))
	require.True(t, os.IsNotExist(err), "rollback must undo the copy")
}

func TestBackup_MissingRequiredFlagIsConfigError(t *testing.T) {
	code := run([]string{"backup", "-j", "job1"})
	require.Equal(t, int(engine.ExitConfigError), code)
}
