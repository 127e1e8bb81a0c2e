package bootstrap

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ferros-dev/bootdbg/pkg/relocation"
)

// probe connects to the target, which is expected to be parked at the probe
// point, and computes the relocation offset from where the probe point is
// linked and where the target actually is. The debugger is left connected
// with no symbols loaded.
func (s *Session) probe(ctx context.Context) (relocation.Offset, error) {
	if err := s.setSymbols(ctx, SymbolContext{}); err != nil {
		return 0, err
	}
	if err := s.setSymbols(ctx, SymbolContext{Kind: SymbolsProbe, Image: s.cfg.Images.Debug}); err != nil {
		return 0, err
	}
	static, err := s.dbg.LineAddress(ctx, s.cfg.Probe.SourceLocation)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve probe point %s", s.cfg.Probe.SourceLocation)
	}
	// The unrelocated symbols must be gone before connecting, or the
	// debugger would resolve the live stack against link-time addresses.
	if err := s.setSymbols(ctx, SymbolContext{}); err != nil {
		return 0, err
	}

	if err := s.dbg.Connect(ctx, s.cfg.RemoteEndpoint); err != nil {
		return 0, err
	}
	level.Info(s.logger).Log("msg", "connected", "endpoint", s.cfg.RemoteEndpoint)

	live, err := s.dbg.Evaluate(ctx, "$pc")
	if err != nil {
		return 0, errors.Wrap(err, "read program counter")
	}
	if insn, err := s.dbg.Disassemble(ctx, live); err != nil {
		level.Debug(s.logger).Log("msg", "failed to disassemble probe point", "err", err)
	} else {
		level.Debug(s.logger).Log("msg", "stopped at", "pc", fmt.Sprintf("0x%x", live), "insn", insn)
	}

	offset := relocation.ComputeOffset(live, static)
	level.Info(s.logger).Log(
		"msg", "probe complete",
		"static", fmt.Sprintf("0x%x", static),
		"live", fmt.Sprintf("0x%x", live),
		"offset", offset,
		"residue", relocation.Residue(live, static, offset),
	)

	if err := relocation.Check(offset, s.cfg.Probe.BaseAlignment); err != nil {
		if s.cfg.Probe.Strict {
			return 0, err
		}
		level.Warn(s.logger).Log("msg", "relocation offset is not aligned, symbols may be off", "err", err)
	}

	s.metrics.RelocationOffset.Set(float64(offset))
	s.offset, s.hasOffset = offset, true
	return offset, nil
}

// unpause releases the stub from its wait loop and steps out of it.
func (s *Session) unpause(ctx context.Context) error {
	u := s.cfg.Unpause
	if _, err := s.dbg.Execute(ctx, fmt.Sprintf("set variable %s = %d", u.Expression, u.Value)); err != nil {
		return errors.Wrap(err, "release stub")
	}
	for i := 0; i < u.Steps; i++ {
		ev, err := s.dbg.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "step out of stub")
		}
		level.Debug(s.logger).Log("msg", "stepped", "event", ev)
	}
	return nil
}
