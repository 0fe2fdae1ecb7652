// Package direct implements the inbound side of the direct-link upgrade:
// a Listener accepts raw TCP connections from peers that advertised
// reachability, and hands each to a pendingLink to complete the identity
// handshake before attaching it to the right Peer.
package direct

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xtunnel/xtunneld/internal/peer"
)

// DefaultHandshakeTimeout bounds how long an accepted connection may sit
// without completing the identity handshake, so a stalled or hostile
// dialer cannot leak a goroutine and socket forever.
const DefaultHandshakeTimeout = 10 * time.Second

// Listener binds the node's external port and promotes accepted
// connections to direct peer links once they complete the identity
// handshake.
type Listener struct {
	ln      net.Listener
	table   *peer.Table
	logger  *slog.Logger
	timeout time.Duration

	wg   sync.WaitGroup
	done chan struct{}
}

// Listen binds addr (e.g. "0.0.0.0:9999") and returns a Listener ready to
// Run. The listen backlog is the operating system's default; it is not
// set here.
func Listen(addr string, table *peer.Table, logger *slog.Logger, handshakeTimeout time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("direct: listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Listener{ln: ln, table: table, logger: logger, timeout: handshakeTimeout, done: make(chan struct{})}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until ctx is cancelled or Close is called. Each
// accepted connection gets its own goroutine running the handshake; Run
// itself returns once the accept loop goroutine has been started.
func (l *Listener) Run(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				select {
				case <-l.done:
					return
				default:
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
				l.logger.Warn("direct: accept failed", "error", err)
				continue
			}

			l.wg.Add(1)
			go func(c net.Conn) {
				defer l.wg.Done()
				newPendingLink(c).run(l.table, l.timeout, l.logger)
			}(conn)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-l.done:
		}
	}()
}

// Close stops accepting new connections and waits for in-flight
// handshakes to finish (or time out).
func (l *Listener) Close() error {
	close(l.done)
	err := l.ln.Close()
	l.wg.Wait()
	return err
}
