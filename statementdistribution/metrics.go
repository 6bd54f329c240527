// Copyright 2024 ChainSafe Systems (ON)
// SPDX-License-Identifier: LGPL-3.0-only

package statementdistribution

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the externally observable activity of the subsystem. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	statementsShared   prometheus.Counter
	statementsImported prometheus.Counter
	manifestsSent      prometheus.Counter
	manifestsImported  prometheus.Counter
	requestsDispatched prometheus.Counter
	requestsAnswered   prometheus.Counter
	requestsDropped    prometheus.Counter
	peersReported      prometheus.Counter
}

// NewMetrics builds and registers the subsystem metrics. Registration errors
// are returned so callers can decide whether duplicate registration matters.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		statementsShared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "statements_shared_total",
			Help:      "Statements issued locally and distributed to peers.",
		}),
		statementsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "statements_imported_total",
			Help:      "Fresh statements imported from the network.",
		}),
		manifestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "manifests_sent_total",
			Help:      "Backed candidate manifests and acknowledgements sent.",
		}),
		manifestsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "manifests_imported_total",
			Help:      "Backed candidate manifests and acknowledgements imported.",
		}),
		requestsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "requests_dispatched_total",
			Help:      "Attested candidate requests sent to peers.",
		}),
		requestsAnswered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "requests_answered_total",
			Help:      "Incoming attested candidate requests answered.",
		}),
		requestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "requests_dropped_total",
			Help:      "Incoming attested candidate requests dropped due to rate limits.",
		}),
		peersReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parachain",
			Subsystem: "statement_distribution",
			Name:      "peers_reported_total",
			Help:      "Reputation reports issued against peers.",
		}),
	}

	for _, collector := range []prometheus.Collector{
		m.statementsShared, m.statementsImported,
		m.manifestsSent, m.manifestsImported,
		m.requestsDispatched, m.requestsAnswered, m.requestsDropped,
		m.peersReported,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) noteStatementShared() {
	if m != nil {
		m.statementsShared.Inc()
	}
}

func (m *Metrics) noteStatementImported() {
	if m != nil {
		m.statementsImported.Inc()
	}
}

func (m *Metrics) noteManifestSent() {
	if m != nil {
		m.manifestsSent.Inc()
	}
}

func (m *Metrics) noteManifestImported() {
	if m != nil {
		m.manifestsImported.Inc()
	}
}

func (m *Metrics) noteRequestDispatched() {
	if m != nil {
		m.requestsDispatched.Inc()
	}
}

func (m *Metrics) noteRequestAnswered() {
	if m != nil {
		m.requestsAnswered.Inc()
	}
}

func (m *Metrics) noteRequestDropped() {
	if m != nil {
		m.requestsDropped.Inc()
	}
}

func (m *Metrics) notePeerReported() {
	if m != nil {
		m.peersReported.Inc()
	}
}
