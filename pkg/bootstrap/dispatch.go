package bootstrap

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
)

const (
	ProcedureFullBootstrap   = "full-bootstrap"
	ProcedureAttachMidLoader = "attach-mid-loader"
)

// FullBootstrap follows a target parked in the debug stub through the
// loader into the kernel. On success the target is stopped at the kernel
// entry with the kernel symbols loaded.
//
// Every invocation starts over from the probe. On error the session stays
// wherever the failing step left it and the target is not resumed.
func (s *Session) FullBootstrap(ctx context.Context) error {
	return s.run(ProcedureFullBootstrap, func() error {
		if err := s.connect(ctx); err != nil {
			return err
		}
		if err := s.enterLoader(ctx); err != nil {
			return err
		}
		return s.enterKernel(ctx)
	})
}

// AttachMidLoader is used when the loader already runs with its own symbols.
// It probes and releases the stub like FullBootstrap, then stops at the
// attach symbol without loading any stage symbols.
func (s *Session) AttachMidLoader(ctx context.Context) error {
	return s.run(ProcedureAttachMidLoader, func() error {
		if err := s.connect(ctx); err != nil {
			return err
		}
		return s.attachLoader(ctx)
	})
}

func (s *Session) run(procedure string, fn func() error) error {
	s.reset()
	parent := s.logger
	s.logger = log.With(parent, "invocation", ulid.Make())
	defer func() { s.logger = parent }()

	level.Info(s.logger).Log("msg", "starting", "procedure", procedure)
	if err := fn(); err != nil {
		s.metrics.Invocations.WithLabelValues(procedure, "failure").Inc()
		level.Error(s.logger).Log("msg", "procedure failed", "procedure", procedure, "state", s.state, "err", err)
		return err
	}
	s.metrics.Invocations.WithLabelValues(procedure, "success").Inc()
	level.Info(s.logger).Log("msg", "procedure complete", "procedure", procedure, "state", s.state)
	return nil
}
