// Package debugger defines what bootdbg needs from the host debugger.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Debugger is a host debugger attached, or about to be attached, to a
// remote target. Every call blocks until the debugger has finished the
// operation.
type Debugger interface {
	io.Closer

	// Execute runs a console command and returns its console output.
	Execute(ctx context.Context, command string) (string, error)
	// Evaluate returns the numeric value of expr.
	Evaluate(ctx context.Context, expr string) (uint64, error)
	// LineAddress resolves a source location with the active symbols.
	LineAddress(ctx context.Context, loc SourceLocation) (uint64, error)

	// SelectImage makes path the debugger's main symbol file, loaded at its
	// link-time addresses. Files added with LoadSymbols stay loaded. An empty
	// path discards all symbols.
	SelectImage(ctx context.Context, path string) error
	// LoadSymbols loads the symbols of path with its code at text and its
	// data at data.
	LoadSymbols(ctx context.Context, path string, text, data uint64) error

	// Connect attaches to a remote stub listening on endpoint.
	Connect(ctx context.Context, endpoint string) error

	// BreakOnce installs a temporary breakpoint on symbol. The debugger
	// deletes it when it is hit.
	BreakOnce(ctx context.Context, symbol string) (int, error)
	// Continue resumes the target and waits, without a deadline, until it
	// stops again.
	Continue(ctx context.Context) (StopEvent, error)
	// Interrupt stops a running target. It does not wait for the target to
	// stop.
	Interrupt(ctx context.Context) error
	// Next steps one source line and waits for the target to stop.
	Next(ctx context.Context) (StopEvent, error)
	// Disassemble returns the instruction at addr.
	Disassemble(ctx context.Context, addr uint64) (string, error)
}

type SourceLocation struct {
	File string `yaml:"file"`
	Line int    `yaml:"line"`
}

func (l SourceLocation) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

type StopReason string

const (
	StopBreakpointHit StopReason = "breakpoint-hit"
	StopEndStepping   StopReason = "end-stepping-range"
	StopSignal        StopReason = "signal-received"
	StopExited        StopReason = "exited"
	StopExitedNormal  StopReason = "exited-normally"
)

// StopEvent describes why and where the target stopped.
type StopEvent struct {
	Reason     StopReason
	Breakpoint int
	PC         uint64
	Function   string
	Signal     string
}

func (e StopEvent) String() string {
	switch e.Reason {
	case StopBreakpointHit:
		return fmt.Sprintf("breakpoint %d hit in %s at 0x%x", e.Breakpoint, e.Function, e.PC)
	case StopSignal:
		return fmt.Sprintf("signal %s in %s at 0x%x", e.Signal, e.Function, e.PC)
	default:
		return fmt.Sprintf("%s in %s at 0x%x", e.Reason, e.Function, e.PC)
	}
}

var ErrClosed = errors.New("debugger closed")

// CommandError is a command the debugger rejected.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// RemoteConnectionError is returned when the remote stub refuses or drops
// the connection.
type RemoteConnectionError struct {
	Endpoint string
	Err      error
}

func (e *RemoteConnectionError) Error() string {
	return fmt.Sprintf("connect to remote target %s: %v", e.Endpoint, e.Err)
}

func (e *RemoteConnectionError) Unwrap() error {
	return e.Err
}
