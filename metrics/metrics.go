// Package metrics defines the prometheus counters that realize the error
// taxonomy the control-message engine and mobility controller report
// against. Errors are absorbed at the CME boundary (they never unwind
// through dispatch); these counters are the only externally visible trace
// of them besides the mobility controller's hand-off behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MalformedMessages counts payloads that failed codec decoding.
	MalformedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_malformed_messages_total",
			Help: "RPL control messages dropped for failing to decode.",
		},
	)

	// UnknownInstances counts DAOs received for an instance this node does
	// not serve.
	UnknownInstances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_unknown_instance_total",
			Help: "DAOs dropped because their instance id is not served locally.",
		},
	)

	// DagMismatches counts DAOs whose D-flag DAG-ID does not match this
	// node's current DAG.
	DagMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_dag_mismatch_total",
			Help: "DAOs dropped for naming a foreign DAG-ID.",
		},
	)

	// MemoryOverflows counts allocation failures admitting a neighbor or
	// route (NeighborCacheFull and route-table MemoryOverflow share one
	// counter, matching spec section 7's shared taxonomy entry).
	MemoryOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_memory_overflow_total",
			Help: "Neighbor or route admissions dropped for exceeding table capacity.",
		},
	)

	// LoopsDetected counts DAOs that forced a parent's rank to INFINITE
	// because it advertised a lower DAG-rank than this node, or equaled
	// the preferred parent.
	LoopsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_loop_detected_total",
			Help: "Parents forced to INFINITE rank after a DAO loop verdict.",
		},
	)

	// TransientUnreachables counts dio_wait expirations without a
	// PARENT_REACHABLE reply, each one escalating to Discovery.
	TransientUnreachables = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_transient_unreachable_total",
			Help: "Parent-assessment attempts that timed out without a reply.",
		},
	)

	// DaoAckTimeouts counts DAO-ACK guard expirations, each one triggering
	// exactly one DAO re-schedule.
	DaoAckTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_dao_ack_timeout_total",
			Help: "DAO-ACK guard timers that expired without receiving an ACK.",
		},
	)

	// Handoffs counts completed mobility hand-offs (a discovery phase that
	// ended in a parent switch and a scheduled DAO).
	Handoffs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_handoff_total",
			Help: "Mobility hand-offs completed (preferred parent switched via discovery).",
		},
	)

	// DiscoveryRounds counts how many times the discovery phase ran,
	// including retries triggered by an empty probe table.
	DiscoveryRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smarthop_discovery_rounds_total",
			Help: "Discovery phases entered, including PARENT_UNREACHABLE retries.",
		},
	)
)
