// Package bootstrap attaches a debugger to a relocated, two-stage boot image
// and follows it from the debug stub through the loader into the kernel.
package bootstrap

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ferros-dev/bootdbg/pkg/config"
	"github.com/ferros-dev/bootdbg/pkg/debugger"
	"github.com/ferros-dev/bootdbg/pkg/relocation"
)

type State int

const (
	Disconnected State = iota
	ProbeComplete
	LoaderActive
	KernelActive
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ProbeComplete:
		return "probe-complete"
	case LoaderActive:
		return "loader-active"
	case KernelActive:
		return "kernel-active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type ContextKind int

const (
	SymbolsNone ContextKind = iota
	// SymbolsProbe is the unrelocated debug image, used to look up the
	// probe point.
	SymbolsProbe
	// SymbolsStub is the debug image rebased onto the running stub.
	SymbolsStub
	SymbolsLoader
	SymbolsKernel
)

func (k ContextKind) String() string {
	switch k {
	case SymbolsNone:
		return "none"
	case SymbolsProbe:
		return "probe"
	case SymbolsStub:
		return "stub"
	case SymbolsLoader:
		return "loader"
	case SymbolsKernel:
		return "kernel"
	default:
		return fmt.Sprintf("ContextKind(%d)", int(k))
	}
}

// SymbolContext is the symbol table the debugger has loaded.
type SymbolContext struct {
	Kind  ContextKind
	Image string
	// Load is nil when the image is loaded at its link-time addresses.
	Load *relocation.LoadAddresses
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoOffset          = errors.New("relocation offset not computed")
)

// UnexpectedStopError is returned when the target stops anywhere but at the
// breakpoint bootdbg is waiting for.
type UnexpectedStopError struct {
	Symbol string
	Event  debugger.StopEvent
}

func (e *UnexpectedStopError) Error() string {
	return fmt.Sprintf("waiting for %s: target stopped with %s", e.Symbol, e.Event)
}

type Options struct {
	// Fs is where stage images are read from. Defaults to the OS filesystem.
	Fs      afero.Fs
	Metrics *Metrics // may be nil for tests
}

// Session owns the debugger for the duration of one bootstrap. It is not
// safe for concurrent use; every call blocks until the debugger is done.
type Session struct {
	logger  log.Logger
	dbg     debugger.Debugger
	cfg     config.Config
	fs      afero.Fs
	metrics *Metrics

	state     State
	symbols   SymbolContext
	offset    relocation.Offset
	hasOffset bool
}

func NewSession(logger log.Logger, dbg debugger.Debugger, cfg config.Config, opts Options) *Session {
	s := &Session{
		logger:  logger,
		dbg:     dbg,
		cfg:     cfg,
		fs:      opts.Fs,
		metrics: opts.Metrics,
	}
	if s.fs == nil {
		s.fs = afero.NewOsFs()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

func (s *Session) State() State { return s.state }

func (s *Session) Symbols() SymbolContext { return s.symbols }

// Offset returns the relocation offset of the current invocation.
func (s *Session) Offset() (relocation.Offset, bool) { return s.offset, s.hasOffset }

func (s *Session) reset() {
	s.state = Disconnected
	s.offset, s.hasOffset = 0, false
}

func (s *Session) transition(from, to State) error {
	if s.state != from {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s from %s", from, to, s.state)
	}
	level.Info(s.logger).Log("msg", "state transition", "from", from, "state", to)
	s.state = to
	return nil
}
