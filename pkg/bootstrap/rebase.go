package bootstrap

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ferros-dev/bootdbg/pkg/elfimage"
	"github.com/ferros-dev/bootdbg/pkg/relocation"
)

// rebase loads symbolImage with the session offset applied to the section
// addresses of sectionImage. The sections are read before the debugger is
// touched, so a bad image leaves the current symbols in place.
func (s *Session) rebase(ctx context.Context, kind ContextKind, symbolImage, sectionImage string) error {
	if !s.hasOffset {
		return ErrNoOffset
	}
	sections, err := elfimage.ReadSections(s.fs, sectionImage)
	if err != nil {
		return err
	}
	load := relocation.Rebase(sections, s.offset)
	level.Debug(s.logger).Log("msg", "rebasing", "image", sectionImage, "sections", sections, "load", load)
	return s.setSymbols(ctx, SymbolContext{Kind: kind, Image: symbolImage, Load: &load})
}

// setSymbols replaces the debugger's symbol table with next. Nothing else
// changes the debugger's symbols. The target must be stopped. Every load is
// preceded by discarding all symbols, since selecting a main image leaves
// files added at explicit addresses loaded. At most one table is active.
func (s *Session) setSymbols(ctx context.Context, next SymbolContext) error {
	if next.Kind == SymbolsNone {
		if err := s.dbg.SelectImage(ctx, ""); err != nil {
			return errors.Wrap(err, "discard symbols")
		}
		s.symbols = SymbolContext{}
		level.Debug(s.logger).Log("msg", "symbols discarded")
		return nil
	}

	if s.symbols.Kind != SymbolsNone {
		if err := s.dbg.SelectImage(ctx, ""); err != nil {
			return errors.Wrap(err, "discard symbols")
		}
		s.symbols = SymbolContext{}
	}
	var err error
	if next.Load == nil {
		err = s.dbg.SelectImage(ctx, next.Image)
	} else {
		err = s.dbg.LoadSymbols(ctx, next.Image, next.Load.Text, next.Load.Data)
	}
	if err != nil {
		return errors.Wrapf(err, "load %s symbols", next.Kind)
	}

	s.symbols = next
	s.metrics.SymbolLoads.WithLabelValues(next.Kind.String()).Inc()
	if next.Load != nil {
		level.Info(s.logger).Log("msg", "symbols loaded", "context", next.Kind, "image", next.Image, "text", fmt.Sprintf("0x%x", next.Load.Text), "data", fmt.Sprintf("0x%x", next.Load.Data))
	} else {
		level.Info(s.logger).Log("msg", "symbols loaded", "context", next.Kind, "image", next.Image)
	}
	return nil
}
