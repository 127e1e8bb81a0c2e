// Package debuggertest provides an in-memory debugger.Debugger for tests.
package debuggertest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
)

// Fake records every call and models the parts of gdb's state bootdbg
// relies on: loaded symbol files and temporary breakpoints. Like gdb,
// selecting a main image replaces only the previous main image; files added
// with LoadSymbols stay loaded until SelectImage("") discards everything.
type Fake struct {
	// PC is the value of $pc once connected.
	PC uint64
	// Lines maps source locations to addresses in the unrelocated debug image.
	Lines map[debugger.SourceLocation]uint64
	// Values holds the results of Evaluate for expressions other than $pc.
	Values map[string]uint64
	// Images lists the symbols each image defines. When set, BreakOnce
	// fails for symbols no loaded image defines.
	Images map[string][]string
	// Errors makes the named method fail, e.g. "Connect" or "LoadSymbols".
	Errors map[string]error

	mu          sync.Mutex
	calls       []string
	main        string
	added       []string
	maxLoaded   int
	connected   bool
	breakpoints map[int]string
	nextBkpt    int
	closed      bool
}

var _ debugger.Debugger = (*Fake)(nil)

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *Fake) fail(method string) error {
	if f.closed {
		return debugger.ErrClosed
	}
	return f.Errors[method]
}

func (f *Fake) Execute(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Execute(%s)", command)
	return "", f.fail("Execute")
}

func (f *Fake) Evaluate(_ context.Context, expr string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Evaluate(%s)", expr)
	if err := f.fail("Evaluate"); err != nil {
		return 0, err
	}
	if expr == "$pc" {
		if !f.connected {
			return 0, &debugger.CommandError{Command: expr, Message: "No registers."}
		}
		return f.PC, nil
	}
	v, ok := f.Values[expr]
	if !ok {
		return 0, &debugger.CommandError{Command: expr, Message: "No symbol in current context."}
	}
	return v, nil
}

func (f *Fake) LineAddress(_ context.Context, loc debugger.SourceLocation) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("LineAddress(%s)", loc)
	if err := f.fail("LineAddress"); err != nil {
		return 0, err
	}
	if len(f.loaded()) == 0 {
		return 0, &debugger.CommandError{Command: "info line", Message: "No symbol table is loaded."}
	}
	addr, ok := f.Lines[loc]
	if !ok {
		return 0, &debugger.CommandError{Command: "info line", Message: fmt.Sprintf("No line %d in file %q.", loc.Line, loc.File)}
	}
	return addr, nil
}

func (f *Fake) SelectImage(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SelectImage(%s)", path)
	if err := f.fail("SelectImage"); err != nil {
		return err
	}
	f.main = path
	if path == "" {
		f.added = nil
	}
	f.track()
	return nil
}

func (f *Fake) LoadSymbols(_ context.Context, path string, text, data uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("LoadSymbols(%s, 0x%x, 0x%x)", path, text, data)
	if err := f.fail("LoadSymbols"); err != nil {
		return err
	}
	f.added = append(f.added, path)
	f.track()
	return nil
}

func (f *Fake) loaded() []string {
	var files []string
	if f.main != "" {
		files = append(files, f.main)
	}
	return append(files, f.added...)
}

func (f *Fake) track() {
	if n := len(f.loaded()); n > f.maxLoaded {
		f.maxLoaded = n
	}
}

func (f *Fake) Connect(_ context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Connect(%s)", endpoint)
	if err := f.fail("Connect"); err != nil {
		return &debugger.RemoteConnectionError{Endpoint: endpoint, Err: err}
	}
	f.connected = true
	return nil
}

func (f *Fake) BreakOnce(_ context.Context, symbol string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("BreakOnce(%s)", symbol)
	if err := f.fail("BreakOnce"); err != nil {
		return 0, err
	}
	if f.Images != nil && !lo.SomeBy(f.loaded(), func(image string) bool {
		return lo.Contains(f.Images[image], symbol)
	}) {
		return 0, &debugger.CommandError{Command: "-break-insert", Message: fmt.Sprintf("Function %q not defined.", symbol)}
	}
	if f.breakpoints == nil {
		f.breakpoints = map[int]string{}
	}
	f.nextBkpt++
	f.breakpoints[f.nextBkpt] = symbol
	return f.nextBkpt, nil
}

// Continue hits the oldest pending breakpoint and deletes it. Without
// breakpoints the target runs to completion.
func (f *Fake) Continue(context.Context) (debugger.StopEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Continue")
	if err := f.fail("Continue"); err != nil {
		return debugger.StopEvent{}, err
	}
	if len(f.breakpoints) == 0 {
		return debugger.StopEvent{Reason: debugger.StopExitedNormal}, nil
	}
	n := lo.Min(lo.Keys(f.breakpoints))
	symbol := f.breakpoints[n]
	delete(f.breakpoints, n)
	return debugger.StopEvent{
		Reason:     debugger.StopBreakpointHit,
		Breakpoint: n,
		Function:   symbol,
	}, nil
}

func (f *Fake) Interrupt(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Interrupt")
	return f.fail("Interrupt")
}

func (f *Fake) Next(context.Context) (debugger.StopEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Next")
	if err := f.fail("Next"); err != nil {
		return debugger.StopEvent{}, err
	}
	return debugger.StopEvent{Reason: debugger.StopEndStepping}, nil
}

func (f *Fake) Disassemble(_ context.Context, addr uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Disassemble(0x%x)", addr)
	return "pause", f.fail("Disassemble")
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Calls returns the calls made so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Reset forgets recorded calls, keeping the debugger state.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Loaded returns the symbol files currently loaded.
func (f *Fake) Loaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded()
}

// MaxLoaded is the largest number of symbol files that were loaded at once.
func (f *Fake) MaxLoaded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLoaded
}

// Breakpoints returns the pending breakpoint symbols ordered by number.
func (f *Fake) Breakpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	nums := lo.Keys(f.breakpoints)
	sort.Ints(nums)
	return lo.Map(nums, func(n int, _ int) string { return f.breakpoints[n] })
}
