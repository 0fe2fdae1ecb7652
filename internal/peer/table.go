package peer

import (
	"log/slog"
	"sync"

	"github.com/xtunnel/xtunneld/internal/ethframe"
	"github.com/xtunnel/xtunneld/internal/events"
	"github.com/xtunnel/xtunneld/internal/metrics"
)

// FrameSender is the narrow messaging capability Table.Dispatch needs for
// the fallback path: sending a frame to a peer by identity when no direct
// link exists.
type FrameSender interface {
	SendFrameViaMessaging(peerID string, frame []byte) error
}

// Table is the indexed registry of all known peers, keyed simultaneously
// by id, IP, and MAC. All three indices always contain the same set of
// peers.
type Table struct {
	mu sync.RWMutex

	byID  map[string]*Peer
	byIP  map[string]*Peer
	byMAC map[string]*Peer

	tap    FrameWriter
	sender FrameSender
	bus    *events.Bus
	logger *slog.Logger
}

// NewTable constructs an empty Table. tap and sender back the dispatch
// paths: ARP spoofing writes synthesized replies to tap, and IP frames
// addressed to a peer with no direct link go out via sender.
func NewTable(tap FrameWriter, sender FrameSender, bus *events.Bus, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		byID:   make(map[string]*Peer),
		byIP:   make(map[string]*Peer),
		byMAC:  make(map[string]*Peer),
		tap:    tap,
		sender: sender,
		bus:    bus,
		logger: logger,
	}
}

// Add inserts p unless its id, ip, or mac already collides with an
// existing entry, in which case the insertion is a no-op and the
// existing entry is kept (first-writer-wins). Returns true if inserted.
func (t *Table) Add(p *Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[p.ID()]; ok {
		metrics.PeerConflicts.Inc()
		return false
	}
	if _, ok := t.byIP[p.IP()]; ok {
		metrics.PeerConflicts.Inc()
		return false
	}
	if _, ok := t.byMAC[p.MAC()]; ok {
		metrics.PeerConflicts.Inc()
		return false
	}

	t.byID[p.ID()] = p
	t.byIP[p.IP()] = p
	t.byMAC[p.MAC()] = p
	metrics.PeersActive.Set(float64(len(t.byID)))

	if t.bus != nil {
		t.bus.Publish(events.Event{Kind: events.PeerAdded, PeerID: p.ID()})
	}
	t.logger.Info("peer added", "peer_id", p.ID(), "ip", p.IP(), "mac", p.MAC())
	return true
}

// Remove deletes the peer with the given id from all three indices and
// closes any direct link it holds.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	p, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byID, p.ID())
	delete(t.byIP, p.IP())
	delete(t.byMAC, p.MAC())
	metrics.PeersActive.Set(float64(len(t.byID)))
	t.mu.Unlock()

	p.Close()
	if t.bus != nil {
		t.bus.Publish(events.Event{Kind: events.PeerRemoved, PeerID: id})
	}
	t.logger.Info("peer removed", "peer_id", id)
}

// SetSender wires the messaging fallback sender after construction, for
// the common case where the sender (e.g. a messaging.Adapter) itself
// needs a reference to this Table and so cannot be built first.
func (t *Table) SetSender(sender FrameSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = sender
}

// LookupByID, LookupByIP, LookupByMAC return the peer indexed under the
// given key, or nil if none.
func (t *Table) LookupByID(id string) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *Table) LookupByIP(ip string) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byIP[ip]
}

func (t *Table) LookupByMAC(mac string) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byMAC[mac]
}

// LinkedPeers returns every peer currently holding a direct link, for the
// event loop's readable set.
func (t *Table) LinkedPeers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Peer, 0, len(t.byID))
	for _, p := range t.byID {
		if p.HasLink() {
			out = append(out, p)
		}
	}
	return out
}

// Dispatch implements the switching logic: ARP requests are answered
// locally by synthesizing a reply on behalf of the matching peer; IP
// frames are sent over a direct link if the destination peer has one,
// else via the messaging fallback; anything else is dropped.
func (t *Table) Dispatch(f ethframe.Frame) {
	switch f.EthertypeName() {
	case ethframe.EtherTypeARP:
		t.dispatchARP(f)
	case ethframe.EtherTypeIPv4:
		t.dispatchIP(f)
	default:
		metrics.FramesDropped.WithLabelValues("ethertype").Inc()
	}
}

func (t *Table) dispatchARP(f ethframe.Frame) {
	ip, ok := f.ARPRequestedIP()
	if !ok {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	p := t.LookupByIP(ip)
	if p == nil {
		metrics.FramesDropped.WithLabelValues("unknown_peer").Inc()
		return
	}

	// The reply is synthesized on the resolved peer's behalf: its MAC is
	// the answer the local kernel's ARP cache learns.
	answerMAC, err := ethframe.ParseMACHex(p.MAC())
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	reply, err := f.SynthesizeARPReply(answerMAC)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if err := t.tap.WriteFrame(reply); err != nil {
		t.logger.Warn("failed to write synthesized ARP reply to tap", "error", err)
		return
	}
	metrics.ARPResolved.Inc()
	metrics.FramesSwitched.WithLabelValues("arp_reply").Inc()
}

func (t *Table) dispatchIP(f ethframe.Frame) {
	mac := f.DestinationMACHex()
	p := t.LookupByMAC(mac)
	if p == nil {
		metrics.FramesDropped.WithLabelValues("unknown_peer").Inc()
		return
	}

	if p.HasLink() {
		if err := p.Send(f.Bytes()); err != nil {
			t.logger.Warn("direct send failed", "peer_id", p.ID(), "error", err)
			return
		}
		metrics.FramesSwitched.WithLabelValues("direct").Inc()
		return
	}

	t.mu.RLock()
	sender := t.sender
	t.mu.RUnlock()
	if sender == nil {
		metrics.FramesDropped.WithLabelValues("no_sender").Inc()
		return
	}

	if err := sender.SendFrameViaMessaging(p.ID(), f.Bytes()); err != nil {
		t.logger.Warn("messaging fallback send failed", "peer_id", p.ID(), "error", err)
		return
	}
	metrics.FramesSwitched.WithLabelValues("messaging").Inc()
}
