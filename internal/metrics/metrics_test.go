package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	// promauto registers automatically; exercise each metric once and
	// spot-check a few via testutil.
	FramesSwitched.WithLabelValues("direct").Inc()
	FramesDropped.WithLabelValues("unknown_peer").Inc()
	TapReadBytes.Add(64)
	TapWriteBytes.Add(64)
	PeersActive.Set(3)
	PeersLinked.Set(1)
	PeerConflicts.Inc()
	PeerLinkTeardowns.WithLabelValues("write_error").Inc()
	ARPResolved.Inc()
	HandshakeOutcomes.WithLabelValues("attached").Inc()
	OutboundDials.WithLabelValues("connected").Inc()
	MessagingState.WithLabelValues("live").Set(1)
	MessagingReconnects.Inc()
	MessagingFramesSent.Inc()
	MessagingFramesReceived.Inc()
	PresenceIgnored.WithLabelValues("resource_filter").Inc()
	LoopIterations.WithLabelValues("ready").Inc()
	ServerStartTime.SetToCurrentTime()
	ServerInfo.WithLabelValues("dev").Set(1)

	if got := testutil.ToFloat64(PeersActive); got != 3 {
		t.Errorf("PeersActive = %v, want 3", got)
	}
	if got := testutil.ToFloat64(ARPResolved); got != 1 {
		t.Errorf("ARPResolved = %v, want 1", got)
	}
}

func TestMetricsNamespace(t *testing.T) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") ||
			strings.HasPrefix(name, "process_") ||
			strings.HasPrefix(name, "promhttp_") {
			continue
		}
		if !strings.HasPrefix(name, "xtunneld_") {
			t.Errorf("metric %q does not have xtunneld_ prefix", name)
		}
	}
}
