package bootstrap

import (
	"context"

	"github.com/go-kit/log/level"

	"github.com/ferros-dev/bootdbg/pkg/debugger"
)

// connect probes the stub, loads its symbols at the live addresses and
// releases it.
func (s *Session) connect(ctx context.Context) error {
	if s.state != Disconnected {
		return s.transition(Disconnected, ProbeComplete)
	}
	if _, err := s.probe(ctx); err != nil {
		return err
	}
	if err := s.rebase(ctx, SymbolsStub, s.cfg.Images.Debug, s.cfg.Images.Loader); err != nil {
		return err
	}
	if err := s.unpause(ctx); err != nil {
		return err
	}
	return s.transition(Disconnected, ProbeComplete)
}

// enterLoader runs to the loader's hand-off point and swaps the stub symbols
// for the loader's own.
func (s *Session) enterLoader(ctx context.Context) error {
	if s.state != ProbeComplete {
		return s.transition(ProbeComplete, LoaderActive)
	}
	if err := s.runTo(ctx, s.cfg.Loader.EntrySymbol); err != nil {
		return err
	}
	if err := s.rebase(ctx, SymbolsLoader, s.cfg.Images.Loader, s.cfg.Images.Loader); err != nil {
		return err
	}
	return s.transition(ProbeComplete, LoaderActive)
}

// attachLoader runs to the attach symbol with the stub symbols still active.
// The loader's symbols are never loaded on this path.
func (s *Session) attachLoader(ctx context.Context) error {
	if s.state != ProbeComplete {
		return s.transition(ProbeComplete, LoaderActive)
	}
	if err := s.runTo(ctx, s.cfg.Attach.EntrySymbol); err != nil {
		return err
	}
	return s.transition(ProbeComplete, LoaderActive)
}

// enterKernel switches to the kernel symbols and runs to the kernel entry.
// The loader is still running when the kernel symbols replace its own.
func (s *Session) enterKernel(ctx context.Context) error {
	if s.state != LoaderActive {
		return s.transition(LoaderActive, KernelActive)
	}
	var err error
	if s.cfg.Kernel.Relocate {
		err = s.rebase(ctx, SymbolsKernel, s.cfg.Images.Kernel, s.cfg.Images.Kernel)
	} else {
		err = s.setSymbols(ctx, SymbolContext{Kind: SymbolsKernel, Image: s.cfg.Images.Kernel})
	}
	if err != nil {
		return err
	}
	if err := s.runTo(ctx, s.cfg.Kernel.EntrySymbol); err != nil {
		return err
	}
	return s.transition(LoaderActive, KernelActive)
}

// runTo sets a one-shot breakpoint on symbol and resumes the target until it
// is hit. Any other stop is an error.
func (s *Session) runTo(ctx context.Context, symbol string) error {
	n, err := s.dbg.BreakOnce(ctx, symbol)
	if err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "waiting for breakpoint", "symbol", symbol, "breakpoint", n)

	ev, err := s.dbg.Continue(ctx)
	if err != nil {
		return err
	}
	if ev.Reason != debugger.StopBreakpointHit || ev.Breakpoint != n {
		return &UnexpectedStopError{Symbol: symbol, Event: ev}
	}
	s.metrics.BreakpointHits.WithLabelValues(symbol).Inc()
	level.Info(s.logger).Log("msg", "breakpoint hit", "symbol", symbol, "event", ev)
	return nil
}
