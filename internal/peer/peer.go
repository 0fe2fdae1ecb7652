// Package peer models one remote overlay node: its identity, IP, MAC, and
// optional direct TCP link, plus the indexed table that maps all known
// peers by id, IP, and MAC for frame dispatch.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/xtunnel/xtunneld/internal/events"
	"github.com/xtunnel/xtunneld/internal/metrics"
	"github.com/xtunnel/xtunneld/internal/wire"
)

// ErrNoLink is returned by Send when the peer has no direct link attached.
var ErrNoLink = errors.New("peer: no direct link")

// readCeiling bounds a single OnReadable read, matching the overlay's
// maximum record size.
const readCeiling = 2000

// FrameWriter is the narrow TAP capability a Peer needs: writing a whole
// decoded frame back onto the local segment.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// ExternalHint is a peer-advertised reachable (ip, port) for inbound dial.
type ExternalHint struct {
	IP   string
	Port int
}

// directLink is a peer's attached TCP socket plus its accumulating
// receive buffer.
type directLink struct {
	conn net.Conn
	rx   []byte
}

// Peer is one remote node's state.
type Peer struct {
	mu sync.Mutex

	id       string
	ip       string
	mac      string
	external *ExternalHint

	link *directLink

	tap    FrameWriter
	bus    *events.Bus
	logger *slog.Logger
}

// New constructs a Peer with no link attached.
func New(id, ip, mac string, external *ExternalHint, tap FrameWriter, bus *events.Bus, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		id:       id,
		ip:       ip,
		mac:      mac,
		external: external,
		tap:      tap,
		bus:      bus,
		logger:   logger,
	}
}

func (p *Peer) ID() string                  { return p.id }
func (p *Peer) IP() string                  { return p.ip }
func (p *Peer) MAC() string                 { return p.mac }
func (p *Peer) External() *ExternalHint     { return p.external }

// HasLink reports whether the peer currently holds a direct TCP link.
func (p *Peer) HasLink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link != nil
}

// Conn returns the peer's current link connection, or nil.
func (p *Peer) Conn() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link == nil {
		return nil
	}
	return p.link.conn
}

// AttachLink moves the peer into the direct-link state, draining any
// already-buffered bytes (residual from the handshake read) into
// complete frames before returning.
func (p *Peer) AttachLink(conn net.Conn, initialRx []byte) error {
	p.mu.Lock()
	p.link = &directLink{conn: conn, rx: append([]byte(nil), initialRx...)}
	rx := p.link.rx
	p.mu.Unlock()

	metrics.PeersLinked.Inc()
	p.publish(events.LinkUp, "")
	p.logger.Info("peer link attached", "peer_id", p.id, "remote_addr", conn.RemoteAddr())

	return p.drain(rx)
}

// OnReadable reads up to readCeiling bytes from the link socket and drains
// any complete frames into TAP. A read error or decode failure tears the
// link down.
func (p *Peer) OnReadable() error {
	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link == nil {
		return ErrNoLink
	}

	buf := make([]byte, readCeiling)
	n, err := link.conn.Read(buf)
	if err != nil {
		p.teardownLink("read_error")
		return fmt.Errorf("peer %s: read: %w", p.id, err)
	}

	p.mu.Lock()
	if p.link != link {
		p.mu.Unlock()
		return nil // link already replaced/torn down concurrently
	}
	p.link.rx = append(p.link.rx, buf[:n]...)
	rx := p.link.rx
	p.mu.Unlock()

	return p.drain(rx)
}

// drain extracts every complete record from rx, writes each frame to TAP
// in order, and stores the residual back on the link. Any malformed
// record (here: any Drain error) tears the link down.
func (p *Peer) drain(rx []byte) error {
	residual, err := wire.Drain(rx, func(frame []byte) error {
		return p.tap.WriteFrame(frame)
	})
	if err != nil {
		p.teardownLink("malformed_record")
		return fmt.Errorf("peer %s: drain: %w", p.id, err)
	}

	p.mu.Lock()
	if p.link != nil {
		// Keep only the residual; copy so future appends don't alias the
		// larger rx slice read above.
		p.link.rx = append([]byte(nil), residual...)
	}
	p.mu.Unlock()
	return nil
}

// Send serializes frame as a length-prefixed record and writes it to the
// link socket. It returns ErrNoLink when no link is attached. A write
// failure tears the link down and returns the wrapped write error.
func (p *Peer) Send(frame []byte) error {
	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link == nil {
		return ErrNoLink
	}

	rec, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("peer %s: encode: %w", p.id, err)
	}
	if _, err := link.conn.Write(rec); err != nil {
		p.teardownLink("write_error")
		return fmt.Errorf("peer %s: write: %w", p.id, err)
	}
	return nil
}

// teardownLink closes and clears the peer's link, publishing a LinkDown
// event and incrementing the relevant counters. A no-op if no link.
func (p *Peer) teardownLink(reason string) {
	p.mu.Lock()
	link := p.link
	p.link = nil
	p.mu.Unlock()
	if link == nil {
		return
	}

	link.conn.Close()
	metrics.PeersLinked.Dec()
	metrics.PeerLinkTeardowns.WithLabelValues(reason).Inc()
	p.publish(events.LinkDown, reason)
	p.logger.Warn("peer link torn down", "peer_id", p.id, "reason", reason)
}

// Close tears down any link this peer holds.
func (p *Peer) Close() {
	p.teardownLink("closed")
}

func (p *Peer) publish(kind events.Kind, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Kind: kind, PeerID: p.id, Reason: reason})
}
