package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JoinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ling_huddle_joins_total",
		Help: "Total number of join attempts",
	}, []string{"result"}) // "ok" | error code

	LeavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ling_huddle_leaves_total",
		Help: "Total number of leave attempts",
	}, []string{"result"})

	SignalsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ling_huddle_signals_sent_total",
		Help: "Total number of negotiation payloads appended to the relay",
	})

	SignalsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ling_huddle_signals_received_total",
		Help: "Total number of negotiation payloads handed to a peer",
	})

	SignalFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ling_huddle_signal_failures_total",
		Help: "Total number of relay failures",
	}, []string{"op"}) // "append" | "delete" | "stale" | "duplicate"

	PeersOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ling_huddle_peers_opened_total",
		Help: "Total number of peer connections created",
	}, []string{"role"}) // "initiator" | "responder"

	PeersClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ling_huddle_peers_closed_total",
		Help: "Total number of peer connections closed",
	}, []string{"reason"})

	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ling_huddle_active_peers",
		Help: "Number of live peer connections",
	})

	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ling_huddle_connected_peers",
		Help: "Number of peer connections with established media",
	})

	RosterWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ling_huddle_roster_write_failures_total",
		Help: "Total number of failed roster writes",
	})
)

// Role labels a peer by the glare rule.
func Role(initiator bool) string {
	if initiator {
		return "initiator"
	}
	return "responder"
}
