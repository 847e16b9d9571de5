package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/dsyncpro/dsync/internal/units"
	"github.com/dsyncpro/dsync/job"
)

// nolint:gochecknoglobals
var (
	defaultColor = color.New()
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgHiRed)
	noteColor    = color.New(color.FgHiCyan)
)

const spinner = `|/-\`

// progressRenderer overwrites a single status line on w with the latest
// job.Progress event, the same single-line-rewrite technique kopia's
// cli_progress.go uses for its upload counters.
type progressRenderer struct {
	w          io.Writer
	isTerminal bool

	mu             sync.Mutex
	lastLineLength int
	spinPhase      int

	lastEmitUnixNano int64
}

const progressRenderInterval = 150 * time.Millisecond

func newProgressRenderer(w io.Writer) *progressRenderer {
	isTerm := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		isTerm = isatty.IsTerminal(f.Fd())
	}

	return &progressRenderer{w: w, isTerminal: isTerm}
}

func (p *progressRenderer) onProgress(ev job.Progress) {
	now := time.Now().UnixNano()

	last := atomic.LoadInt64(&p.lastEmitUnixNano)
	if ev.Done < ev.Total && now-last < progressRenderInterval.Nanoseconds() {
		return
	}

	atomic.StoreInt64(&p.lastEmitUnixNano, now)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.spinPhase++

	line := p.formatLine(ev)

	if p.isTerminal {
		pad := p.lastLineLength - len(line)
		if pad < 0 {
			pad = 0
		}

		defaultColor.Fprintf(p.w, "\r%s%s", line, strings.Repeat(" ", pad)) //nolint:errcheck
		p.lastLineLength = len(line)
	} else {
		fmt.Fprintln(p.w, line)
	}
}

func (p *progressRenderer) formatLine(ev job.Progress) string {
	switch ev.Phase {
	case job.PhaseScanning:
		return fmt.Sprintf(" %c scanning %s...", p.spinnerChar(), ev.Job)
	case job.PhasePlanning:
		return fmt.Sprintf(" %c planning %s...", p.spinnerChar(), ev.Job)
	case job.PhaseCopying:
		return fmt.Sprintf(" %c %s: %d/%d (%s) %s",
			p.spinnerChar(), ev.Job, ev.Done, ev.Total, units.BytesStringBase10(ev.BytesDone), ev.CurrentRel)
	case job.PhaseVerifying:
		return fmt.Sprintf(" %c verifying %s: %s", p.spinnerChar(), ev.Job, ev.CurrentRel)
	case job.PhaseFinalizing:
		return fmt.Sprintf(" %c finalizing %s...", p.spinnerChar(), ev.Job)
	case job.PhaseRollingBack:
		return fmt.Sprintf(" %c rolling back %s...", p.spinnerChar(), ev.Job)
	default:
		return fmt.Sprintf(" %c %s", p.spinnerChar(), ev.Job)
	}
}

func (p *progressRenderer) spinnerChar() byte {
	return spinner[p.spinPhase%len(spinner)]
}

// finish clears the in-progress status line so the final summary prints
// cleanly below it.
func (p *progressRenderer) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isTerminal && p.lastLineLength > 0 {
		fmt.Fprintf(p.w, "\r%s\r", strings.Repeat(" ", p.lastLineLength))
	}

	p.lastLineLength = 0
}
