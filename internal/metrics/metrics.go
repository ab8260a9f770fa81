// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus collectors of the emulation daemon.
// All recording helpers are safe to call on a nil *Metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Metrics holds all emulation Prometheus metrics
type Metrics struct {
	Sessions *prometheus.GaugeVec
	Nodes    prometheus.Gauge
	Links    prometheus.Gauge

	Execs        *prometheus.CounterVec
	ExecDuration prometheus.Histogram

	Impairments *prometheus.CounterVec
	MediumRules prometheus.Gauge

	PeerMessages     *prometheus.CounterVec
	Resyncs          prometheus.Counter
	UnreachableNodes prometheus.Gauge
}

// New creates the collectors and registers them against reg, defaulting to
// the global registry when nil. Registering twice on the same registry
// reuses the existing collectors.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netemu_sessions",
			Help: "Number of sessions by lifecycle state",
		}, []string{"state"}),
		Nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netemu_nodes_materialized",
			Help: "Number of nodes with a live isolation context",
		}),
		Links: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netemu_links_materialized",
			Help: "Number of links with a live wire",
		}),
		Execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netemu_node_execs_total",
			Help: "Commands executed inside nodes, by outcome",
		}, []string{"outcome"}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netemu_node_exec_duration_seconds",
			Help:    "Wall time of commands executed inside nodes",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		Impairments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netemu_impairment_applies_total",
			Help: "Traffic-control rule applications, by outcome",
		}, []string{"outcome"}),
		MediumRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netemu_medium_pairs_linked",
			Help: "Number of linked shared-medium pairs",
		}),
		PeerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netemu_peer_messages_total",
			Help: "Messages exchanged with peer daemons, by type and outcome",
		}, []string{"type", "outcome"}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netemu_peer_resyncs_total",
			Help: "Full session resyncs applied after a sequence gap",
		}),
		UnreachableNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "netemu_nodes_unreachable",
			Help: "Nodes owned by peers that cannot be reached",
		}),
	}

	var err error
	if m.Sessions, err = register(reg, m.Sessions, "netemu_sessions"); err != nil {
		return nil, err
	}
	if m.Nodes, err = register(reg, m.Nodes, "netemu_nodes_materialized"); err != nil {
		return nil, err
	}
	if m.Links, err = register(reg, m.Links, "netemu_links_materialized"); err != nil {
		return nil, err
	}
	if m.Execs, err = register(reg, m.Execs, "netemu_node_execs_total"); err != nil {
		return nil, err
	}
	if m.ExecDuration, err = register(reg, m.ExecDuration, "netemu_node_exec_duration_seconds"); err != nil {
		return nil, err
	}
	if m.Impairments, err = register(reg, m.Impairments, "netemu_impairment_applies_total"); err != nil {
		return nil, err
	}
	if m.MediumRules, err = register(reg, m.MediumRules, "netemu_medium_pairs_linked"); err != nil {
		return nil, err
	}
	if m.PeerMessages, err = register(reg, m.PeerMessages, "netemu_peer_messages_total"); err != nil {
		return nil, err
	}
	if m.Resyncs, err = register(reg, m.Resyncs, "netemu_peer_resyncs_total"); err != nil {
		return nil, err
	}
	if m.UnreachableNodes, err = register(reg, m.UnreachableNodes, "netemu_nodes_unreachable"); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			return c, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return c, err
	}
	return c, nil
}

// ObserveExec records one command execution.
func (m *Metrics) ObserveExec(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Execs.WithLabelValues(outcome).Inc()
	m.ExecDuration.Observe(d.Seconds())
}

// ObserveImpairment records one traffic-control application.
func (m *Metrics) ObserveImpairment(outcome string) {
	if m == nil {
		return
	}
	m.Impairments.WithLabelValues(outcome).Inc()
}

// NodeMaterialized adjusts the live node gauge by delta.
func (m *Metrics) NodeMaterialized(delta int) {
	if m == nil {
		return
	}
	m.Nodes.Add(float64(delta))
}

// LinkMaterialized adjusts the live link gauge by delta.
func (m *Metrics) LinkMaterialized(delta int) {
	if m == nil {
		return
	}
	m.Links.Add(float64(delta))
}

// MediumPairs adjusts the linked medium pair gauge by delta.
func (m *Metrics) MediumPairs(delta int) {
	if m == nil {
		return
	}
	m.MediumRules.Add(float64(delta))
}

// SessionState moves one session between state gauges. An empty from or to
// means the session was created or forgotten.
func (m *Metrics) SessionState(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.Sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.Sessions.WithLabelValues(to).Inc()
	}
}

// PeerMessage records one message sent to or received from a peer.
func (m *Metrics) PeerMessage(msgType, outcome string) {
	if m == nil {
		return
	}
	m.PeerMessages.WithLabelValues(msgType, outcome).Inc()
}

// Resync records an applied resync.
func (m *Metrics) Resync() {
	if m == nil {
		return
	}
	m.Resyncs.Inc()
}

// SetUnreachable sets the unreachable node gauge.
func (m *Metrics) SetUnreachable(n int) {
	if m == nil {
		return
	}
	m.UnreachableNodes.Set(float64(n))
}
