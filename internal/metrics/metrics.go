// Package metrics defines all Prometheus metrics for xtunneld.
// All metrics use the "xtunneld_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xtunneld"

// --- Frame switching metrics ---

var (
	// FramesSwitched counts frames dispatched by the peer table, by path taken.
	FramesSwitched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_switched_total",
		Help:      "Total frames dispatched by PeerTable.Dispatch, by path.",
	}, []string{"path"}) // "direct", "messaging", "arp_reply"

	// FramesDropped counts frames dropped during dispatch, by reason.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Total frames dropped, by reason.",
	}, []string{"reason"}) // "unknown_peer", "ethertype", "malformed", "no_sender"

	// TapReadBytes / TapWriteBytes track raw TAP I/O volume.
	TapReadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tap_read_bytes_total",
		Help:      "Total bytes read from the TAP device.",
	})
	TapWriteBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tap_write_bytes_total",
		Help:      "Total bytes written to the TAP device.",
	})
)

// --- Peer table metrics ---

var (
	// PeersActive is a gauge of peers currently known to the table.
	PeersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_active",
		Help:      "Number of peers currently known to the peer table.",
	})

	// PeersLinked is a gauge of peers currently in the direct-link state.
	PeersLinked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_linked",
		Help:      "Number of peers currently holding a direct TCP link.",
	})

	// PeerConflicts counts rejected Add calls due to id/ip/mac collision.
	PeerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_conflicts_total",
		Help:      "Total peer insertions rejected due to id/ip/mac collision.",
	})

	// PeerLinkTeardowns counts direct links torn down, by reason.
	PeerLinkTeardowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peer_link_teardowns_total",
		Help:      "Total direct-link teardowns, by reason.",
	}, []string{"reason"}) // "write_error", "read_error", "malformed_record", "closed"

	// ARPResolved counts local ARP spoofing resolutions.
	ARPResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "arp_resolved_total",
		Help:      "Total ARP requests resolved locally via synthetic reply.",
	})
)

// --- Direct-link handshake metrics ---

var (
	// HandshakeOutcomes counts inbound handshake completions, by outcome.
	HandshakeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_outcomes_total",
		Help:      "Total inbound direct-link handshakes, by outcome.",
	}, []string{"outcome"}) // "attached", "unknown_identity", "malformed"

	// OutboundDials counts outbound direct-link dial attempts, by result.
	OutboundDials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbound_dials_total",
		Help:      "Total outbound direct-link dial attempts, by result.",
	}, []string{"result"}) // "connected", "failed"
)

// --- Messaging transport metrics ---

var (
	// MessagingState reports the current reconnect FSM state as a labeled gauge.
	MessagingState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "messaging_state",
		Help:      "Current messaging adapter state (1 = current).",
	}, []string{"state"})

	// MessagingReconnects counts reconnect cycles entered.
	MessagingReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messaging_reconnects_total",
		Help:      "Total messaging transport reconnect cycles.",
	})

	// MessagingFramesSent / Received count frame traffic over the messaging fallback.
	MessagingFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messaging_frames_sent_total",
		Help:      "Total frames sent via the messaging transport fallback.",
	})
	MessagingFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messaging_frames_received_total",
		Help:      "Total frames received via the messaging transport fallback.",
	})

	// PresenceIgnored counts presence stanzas ignored by the resource filter
	// or because they are this node's own.
	PresenceIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "presence_ignored_total",
		Help:      "Total presence stanzas ignored, by reason.",
	}, []string{"reason"}) // "resource_filter", "self"
)

// --- Event loop metrics ---

var (
	// LoopIterations counts event loop wake-ups, by cause.
	LoopIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loop_iterations_total",
		Help:      "Total event loop iterations, by wake-up cause.",
	}, []string{"cause"}) // "tick", "ready"
)

// --- Server info ---

var (
	// ServerInfo is a constant gauge with server metadata.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build and version info.",
	}, []string{"version"})

	// ServerStartTime tracks server start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Server start time as Unix timestamp.",
	})
)
