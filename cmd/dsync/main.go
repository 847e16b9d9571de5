// Command dsync is the CLI surface described in spec.md §6: a `backup`
// subcommand that runs one configured Job through the Engine, and a
// `rollback` subcommand that reverses a prior run from its journal file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/spf13/afero"

	"github.com/dsyncpro/dsync/engine"
	"github.com/dsyncpro/dsync/internal/jobconfig"
	"github.com/dsyncpro/dsync/job"
	"github.com/dsyncpro/dsync/journal"
)

// exitTimeout bounds how long main waits for a run to unwind after a signal
// before giving up and exiting anyway.
const exitTimeout = 60 * time.Second

// nolint:gochecknoglobals
var (
	app = kingpin.New("dsync", "Safe, resumable, journaled file-tree synchronization.")

	backupCommand    = app.Command("backup", "Run a configured sync job.")
	backupConfigPath = backupCommand.Flag("config", "Path to the job config file.").Short('c').Required().String()
	backupJobName    = backupCommand.Flag("job", "Name of the job to run, as listed in the config file.").Short('j').Required().String()
	backupDryRun     = backupCommand.Flag("dry-run", "Plan the run and report it without touching the filesystem.").Bool()
	backupResume     = backupCommand.Flag("resume", "Resume from an existing checkpoint instead of failing.").Bool()
	backupVerify     = backupCommand.Flag("verify", "Re-read every copied file and compare its hash to the source.").Bool()

	rollbackCommand     = app.Command("rollback", "Reverse a prior run using its journal file.")
	rollbackJournalPath = rollbackCommand.Flag("journal", "Path to the journal file to reverse.").Short('f').Required().String()
	rollbackDryRun      = rollbackCommand.Flag("dry-run", "Report what would be reversed without changing anything.").Bool()
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return int(engine.ExitConfigError)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	doneChan := make(chan int, 1)

	go func() {
		switch cmd {
		case backupCommand.FullCommand():
			doneChan <- runBackup(ctx)
		case rollbackCommand.FullCommand():
			doneChan <- runRollback()
		default:
			fmt.Fprintln(os.Stderr, "fatal: unknown command", cmd)
			doneChan <- int(engine.ExitConfigError)
		}
	}()

	select {
	case code := <-doneChan:
		return code

	case <-sigChan:
		warningColor.Fprintln(os.Stderr, "warning: received interrupt signal; shutting down (waiting up to 60s)...") //nolint:errcheck
		cancel()

		select {
		case code := <-doneChan:
			return code
		case <-time.After(exitTimeout):
			errorColor.Fprintln(os.Stderr, "fatal: timed out waiting for shutdown; exiting anyway") //nolint:errcheck
			return int(engine.ExitFatalRollback)
		}
	}
}

func runBackup(ctx context.Context) int {
	fsys := afero.NewOsFs()

	cfg, err := jobconfig.Load(fsys, *backupConfigPath)
	if err != nil {
		errorColor.Fprintln(os.Stderr, "fatal:", err) //nolint:errcheck
		return int(engine.ExitConfigError)
	}

	j, err := cfg.Lookup(*backupJobName)
	if err != nil {
		errorColor.Fprintln(os.Stderr, "fatal:", err) //nolint:errcheck
		return int(engine.ExitConfigError)
	}

	j.DryRun = *backupDryRun
	j.Resume = *backupResume
	j.Verify = *backupVerify || j.Verify

	projectLogsDir := filepath.Join(filepath.Dir(*backupConfigPath), "logs")

	rend := newProgressRenderer(os.Stderr)
	eng := engine.New(engine.Deps{Fsys: fsys, ProjectLogsDir: projectLogsDir, OnProgress: rend.onProgress})

	result, err := eng.Run(ctx, j)
	rend.finish()

	if len(result.Plan) > 0 {
		printPlan(os.Stdout, result.Plan)
	}

	if result.Rollback != nil {
		printRollbackReport(os.Stderr, *result.Rollback)
	}

	printSummary(os.Stdout, result.Summary)

	if err != nil {
		errorColor.Fprintln(os.Stderr, "fatal:", err) //nolint:errcheck
	}

	return int(result.Exit)
}

func runRollback() int {
	fsys := afero.NewOsFs()

	entries, err := journal.Load(fsys, *rollbackJournalPath)
	if err != nil {
		errorColor.Fprintln(os.Stderr, "fatal:", err) //nolint:errcheck
		return int(engine.ExitConfigError)
	}

	// The journal's dest-sink path is always <dest_root>/.DiskSyncPro/<file>
	// (spec.md §6), so the destination root is recoverable from -f alone
	// without a separate flag.
	destRoot := filepath.Dir(filepath.Dir(*rollbackJournalPath))

	var persist journal.Persister
	if !*rollbackDryRun {
		persist = journal.NewFilePersister(fsys, *rollbackJournalPath, entries)
	}

	report := journal.Rollback(fsys, destRoot, entries, *rollbackDryRun, persist)
	printRollbackReport(os.Stdout, report)

	if report.Unrecoverable() {
		return int(engine.ExitFatalRollback)
	}

	return int(engine.ExitSuccess)
}

func printPlan(w *os.File, ops []job.Operation) {
	noteColor.Fprintf(w, "plan for %d operation(s):\n", len(ops)) //nolint:errcheck

	for _, op := range ops {
		fmt.Fprintf(w, "  %-18s %s\n", op.Kind, op.Rel)
	}
}

func printRollbackReport(w *os.File, report journal.Report) {
	for _, o := range report.Outcomes {
		if o.Reversed {
			fmt.Fprintf(w, "  reversed %-18s %s\n", o.Kind, o.Rel)
			continue
		}

		warningColor.Fprintf(w, "  NOT reversed %-18s %s: %s\n", o.Kind, o.Rel, o.Reason) //nolint:errcheck
	}
}

func printSummary(w *os.File, s job.Summary) {
	fmt.Fprintf(w, "\n%s: copied %d, updated %d, skipped %d, failed %d, moved-to-safetynet %d in %s\n",
		s.JobName, s.Copied, s.Updated, s.Skipped, s.Failed, s.MovedToSafetyNet, s.Duration.Round(time.Millisecond))

	for _, warn := range s.Warnings {
		warningColor.Fprintln(w, "  warning:", warn) //nolint:errcheck
	}
}
