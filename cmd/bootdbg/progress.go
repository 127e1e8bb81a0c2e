package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
)

// progressDebugger shows a spinner on the terminal while the target runs
// towards a breakpoint, which can take as long as the operator needs to
// boot the machine.
type progressDebugger struct {
	debugger.Debugger
	w io.Writer
}

func withProgress(dbg debugger.Debugger, f *os.File) debugger.Debugger {
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return dbg
	}
	return &progressDebugger{Debugger: dbg, w: f}
}

func (p *progressDebugger) Continue(ctx context.Context) (debugger.StopEvent, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(p.w))
	s.Suffix = " waiting for the target to stop"
	s.Start()
	defer s.Stop()
	return p.Debugger.Continue(ctx)
}
