// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the data plane's counters and gauges as
// Prometheus metrics: per-processor packet/error counters, shared-map
// occupancy gauges, and per-interface attachment state, scraped instead
// of polled off a pinned map.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all data-plane Prometheus metrics.
type Metrics struct {
	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	PacketsPassed    prometheus.Counter
	BytesProcessed   prometheus.Counter

	Processors *ProcessorMetrics

	MapEntries *prometheus.GaugeVec
	MapUpdates *prometheus.CounterVec

	AttachmentUp     *prometheus.GaugeVec
	AttachmentErrors *prometheus.CounterVec

	DNSBlocked     prometheus.Counter
	DNSQueries     prometheus.Counter
	NATExpirations prometheus.Counter
}

// ProcessorMetrics holds per-pipeline-processor packet/error counters.
type ProcessorMetrics struct {
	Fragment *StageMetrics
	Firewall *StageMetrics
	Route    *StageMetrics
	NAT      *StageMetrics
	NATPT6   *StageMetrics
	MSS      *StageMetrics
	PPPoE    *StageMetrics
}

// StageMetrics holds metrics for a single pipeline stage.
type StageMetrics struct {
	Packets prometheus.Counter
	Errors  prometheus.Counter
}

func newStage(name string) *StageMetrics {
	return &StageMetrics{
		Packets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_" + name + "_packets_total",
			Help: "Total number of packets processed by the " + name + " stage",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_" + name + "_errors_total",
			Help: "Total number of errors in the " + name + " stage",
		}),
	}
}

// NewMetrics creates a new Prometheus metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_packets_processed_total",
			Help: "Total number of packets processed by the data plane",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_packets_dropped_total",
			Help: "Total number of packets dropped by the data plane",
		}),
		PacketsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_packets_passed_total",
			Help: "Total number of packets passed to the kernel stack untouched",
		}),
		BytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_bytes_processed_total",
			Help: "Total number of bytes processed by the data plane",
		}),

		Processors: &ProcessorMetrics{
			Fragment: newStage("fragment"),
			Firewall: newStage("firewall"),
			Route:    newStage("route"),
			NAT:      newStage("nat"),
			NATPT6:   newStage("natpt6"),
			MSS:      newStage("mss"),
			PPPoE:    newStage("pppoe"),
		},

		MapEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "landscape_map_entries",
			Help: "Number of entries in a shared map",
		}, []string{"map_name"}),

		MapUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "landscape_map_updates_total",
			Help: "Total number of shared map updates",
		}, []string{"map_name", "operation"}),

		AttachmentUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "landscape_attachment_up",
			Help: "Whether a raw-socket attachment is up (1) or down (0)",
		}, []string{"interface", "role"}),

		AttachmentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "landscape_attachment_errors_total",
			Help: "Total number of raw-socket attachment errors",
		}, []string{"interface", "error_type"}),

		DNSBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_dns_blocked_total",
			Help: "Total number of DNS queries blocked",
		}),
		DNSQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_dns_queries_total",
			Help: "Total number of DNS queries dispatched",
		}),
		NATExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landscape_nat_expirations_total",
			Help: "Total number of NAT mappings expired by conntrack timers",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsProcessed.Describe(ch)
	m.PacketsDropped.Describe(ch)
	m.PacketsPassed.Describe(ch)
	m.BytesProcessed.Describe(ch)

	for _, s := range m.allStages() {
		s.Packets.Describe(ch)
		s.Errors.Describe(ch)
	}

	m.MapEntries.Describe(ch)
	m.MapUpdates.Describe(ch)
	m.AttachmentUp.Describe(ch)
	m.AttachmentErrors.Describe(ch)

	m.DNSBlocked.Describe(ch)
	m.DNSQueries.Describe(ch)
	m.NATExpirations.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsProcessed.Collect(ch)
	m.PacketsDropped.Collect(ch)
	m.PacketsPassed.Collect(ch)
	m.BytesProcessed.Collect(ch)

	for _, s := range m.allStages() {
		s.Packets.Collect(ch)
		s.Errors.Collect(ch)
	}

	m.MapEntries.Collect(ch)
	m.MapUpdates.Collect(ch)
	m.AttachmentUp.Collect(ch)
	m.AttachmentErrors.Collect(ch)

	m.DNSBlocked.Collect(ch)
	m.DNSQueries.Collect(ch)
	m.NATExpirations.Collect(ch)
}

func (m *Metrics) allStages() []*StageMetrics {
	return []*StageMetrics{
		m.Processors.Fragment,
		m.Processors.Firewall,
		m.Processors.Route,
		m.Processors.NAT,
		m.Processors.NATPT6,
		m.Processors.MSS,
		m.Processors.PPPoE,
	}
}

// RegisterMetrics registers all metrics with Prometheus.
func (m *Metrics) RegisterMetrics() {
	prometheus.MustRegister(m)
}
