package direct

import (
	"log/slog"
	"net"
	"time"

	"github.com/xtunnel/xtunneld/internal/metrics"
	"github.com/xtunnel/xtunneld/internal/peer"
	"github.com/xtunnel/xtunneld/internal/wire"
)

// readCeiling bounds a single accept-side read, matching the overlay's
// maximum record size.
const readCeiling = wire.MaxRecordLength

// pendingLink is an accepted TCP socket awaiting the identity handshake:
// [u16 BE length][identity bytes], one-shot, client-to-server.
// Its lifetime ends by promotion to a Peer's direct link or by socket close.
type pendingLink struct {
	conn net.Conn
	buf  []byte
}

func newPendingLink(conn net.Conn) *pendingLink {
	return &pendingLink{conn: conn}
}

// run blocks reading the handshake until it completes, the deadline
// passes, or the socket errors, then either attaches the link to the
// resolved Peer or closes it. The presence channel is the root of trust
// for identity: only a peer already discovered via presence may upgrade
// to a direct link.
func (p *pendingLink) run(table *peer.Table, deadline time.Duration, logger *slog.Logger) {
	cutoff := time.Now().Add(deadline)

	for {
		if err := p.conn.SetReadDeadline(cutoff); err != nil {
			p.conn.Close()
			metrics.HandshakeOutcomes.WithLabelValues("malformed").Inc()
			return
		}

		buf := make([]byte, readCeiling)
		n, err := p.conn.Read(buf)
		if err != nil {
			p.conn.Close()
			metrics.HandshakeOutcomes.WithLabelValues("malformed").Inc()
			return
		}
		p.buf = append(p.buf, buf[:n]...)

		payload, consumed, ok := wire.Decode(p.buf)
		if !ok {
			continue
		}

		identity := string(payload)
		residual := append([]byte(nil), p.buf[consumed:]...)

		target := table.LookupByID(identity)
		if target == nil {
			p.conn.Close()
			metrics.HandshakeOutcomes.WithLabelValues("unknown_identity").Inc()
			logger.Warn("direct: handshake for unknown identity, closing", "identity", identity)
			return
		}

		if err := target.AttachLink(p.conn, residual); err != nil {
			logger.Warn("direct: attach link after handshake failed", "identity", identity, "error", err)
		}
		metrics.HandshakeOutcomes.WithLabelValues("attached").Inc()
		return
	}
}
