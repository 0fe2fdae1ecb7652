// Package diag holds startup self-checks that are informational only: a
// failure here never blocks the daemon, it only gets logged. The first
// (and so far only) check pings the TAP segment's default gateway once at
// boot, the way an operator would by hand, so a misconfigured tap.ip or an
// unreachable upstream shows up in the log immediately instead of silently
// as a stream of unanswerable ARP requests later.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// GatewayPinger sends ICMP Echo Requests over a shared raw socket opened
// once at startup.
type GatewayPinger struct {
	conn      *icmp.PacketConn
	logger    *slog.Logger
	available bool
	seq       uint16
}

// NewGatewayPinger opens the ICMP socket. If raw socket creation fails
// (missing CAP_NET_RAW, unprivileged container, ...) it logs a warning and
// returns a pinger that reports every check as skipped rather than erroring
// the whole startup sequence over an optional diagnostic.
func NewGatewayPinger(logger *slog.Logger) *GatewayPinger {
	if logger == nil {
		logger = slog.Default()
	}
	p := &GatewayPinger{logger: logger}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		logger.Warn("gateway reachability self-check disabled: could not open ICMP socket",
			"error", err, "hint", "grant CAP_NET_RAW or run as root")
		return p
	}
	p.conn = conn
	p.available = true
	return p
}

// Close releases the ICMP socket.
func (p *GatewayPinger) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// CheckGateway pings target once and logs whether it answered. It never
// returns an error for an unreachable or non-responding gateway — only for
// a malformed target or a genuine send failure — since the daemon should
// start regardless of the outcome.
func (p *GatewayPinger) CheckGateway(ctx context.Context, target string) error {
	if p.logger == nil {
		p.logger = slog.Default()
	}

	ip := net.ParseIP(target)
	if ip == nil {
		return fmt.Errorf("diag: invalid gateway address %q", target)
	}

	if !p.available {
		p.logger.Debug("gateway self-check skipped: no ICMP socket")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	p.seq++
	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  int(p.seq),
			Data: []byte("xtunnel-gateway-check"),
		},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("diag: marshal echo request: %w", err)
	}

	deadline, _ := ctx.Deadline()
	if err := p.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("diag: set deadline: %w", err)
	}

	if _, err := p.conn.WriteTo(raw, &net.IPAddr{IP: ip}); err != nil {
		return fmt.Errorf("diag: send echo request to %s: %w", target, err)
	}

	start := time.Now()
	buf := make([]byte, 1500)
	for {
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				p.logger.Warn("gateway did not answer ICMP echo", "gateway", target, "waited", time.Since(start))
				return nil
			}
			return fmt.Errorf("diag: read echo reply: %w", err)
		}

		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.ID != os.Getpid()&0xffff || echo.Seq != int(p.seq) {
			continue
		}
		p.logger.Info("gateway reachable", "gateway", target, "rtt", time.Since(start))
		return nil
	}
}
