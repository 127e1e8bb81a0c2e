package bootstrap

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Invocations      *prometheus.CounterVec
	SymbolLoads      *prometheus.CounterVec
	BreakpointHits   *prometheus.CounterVec
	RelocationOffset prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootdbg_invocations_total",
			Help: "Total number of entry point invocations by procedure and outcome",
		}, []string{"procedure", "status"}),
		SymbolLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootdbg_symbol_loads_total",
			Help: "Total number of symbol tables loaded into the debugger",
		}, []string{"context"}),
		BreakpointHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootdbg_breakpoint_hits_total",
			Help: "Total number of one-shot breakpoints that were hit",
		}, []string{"symbol"}),
		RelocationOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bootdbg_relocation_offset",
			Help: "Relocation offset computed by the last probe",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Invocations,
			m.SymbolLoads,
			m.BreakpointHits,
			m.RelocationOffset,
		)
	}

	return m
}
