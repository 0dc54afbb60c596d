// Package metrics exposes the multiplexer's internal counters as
// Prometheus collectors. Nothing in this package starts an HTTP server:
// the core has no network management endpoint, so the registry exists for
// an embedder to scrape in-process or dump periodically to logs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the collectors the Orchestrator and its components
// update during steady-state operation.
type Registry struct {
	Registerer prometheus.Registerer

	PacketsWritten   prometheus.Counter
	BytesWritten     prometheus.Counter
	Reconnects       prometheus.Counter
	StateTransitions *prometheus.CounterVec
	InputBitrate     *prometheus.GaugeVec
	InputHealthy     *prometheus.GaugeVec
	PTSRegressions   prometheus.Counter
	PCRRegressions   prometheus.Counter
	MalformedPES     prometheus.Counter
	SyncLosses       *prometheus.CounterVec
}

// New registers and returns a fresh Registry against reg. Passing a
// private prometheus.NewRegistry() rather than the global default keeps
// test instances isolated from one another.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Registerer: reg,
		PacketsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "output_packets_written_total",
			Help:      "TS packets written to the output sink.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "output_bytes_written_total",
			Help:      "Bytes written to the output sink.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "output_reconnects_total",
			Help:      "Times the output sink reopened after a broken pipe.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "arbiter_transitions_total",
			Help:      "Arbiter state transitions, labeled by destination state.",
		}, []string{"to"}),
		InputBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tsswitch",
			Name:      "input_bitrate_bps",
			Help:      "Rolling bitrate observed per input.",
		}, []string{"input"}),
		InputHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tsswitch",
			Name:      "input_healthy",
			Help:      "1 if the input currently satisfies the health definition, else 0.",
		}, []string{"input"}),
		PTSRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "pts_regressions_total",
			Help:      "PTS regressions corrected by forward-bumping.",
		}),
		PCRRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "pcr_regressions_total",
			Help:      "PCR regressions resolved by suppressing the field.",
		}),
		MalformedPES: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "malformed_pes_total",
			Help:      "PES headers dropped for being malformed.",
		}),
		SyncLosses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsswitch",
			Name:      "sync_losses_total",
			Help:      "Unrecoverable sync losses that forced a reconnect, labeled by input.",
		}, []string{"input"}),
	}

	reg.MustRegister(
		r.PacketsWritten,
		r.BytesWritten,
		r.Reconnects,
		r.StateTransitions,
		r.InputBitrate,
		r.InputHealthy,
		r.PTSRegressions,
		r.PCRRegressions,
		r.MalformedPES,
		r.SyncLosses,
	)
	return r
}
