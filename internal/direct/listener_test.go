package direct

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/xtunnel/xtunneld/internal/events"
	"github.com/xtunnel/xtunneld/internal/peer"
	"github.com/xtunnel/xtunneld/internal/wire"
)

type fakeTap struct{}

func (fakeTap) WriteFrame(frame []byte) error { return nil }

func newTestTable() *peer.Table {
	bus := events.NewBus(nil)
	return peer.NewTable(fakeTap{}, nil, bus, nil)
}

func dialAndHandshake(t *testing.T, addr string, identity string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	rec, err := wire.Encode([]byte(identity))
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if _, err := conn.Write(rec); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return conn
}

func TestListenerAttachesKnownPeer(t *testing.T) {
	table := newTestTable()
	p := peer.New("peer-a", "10.0.0.2", "aaaaaaaaaa02", nil, fakeTap{}, nil, nil)
	table.Add(p)

	ln, err := Listen("127.0.0.1:0", table, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln.Run(ctx)

	conn := dialAndHandshake(t, ln.Addr().String(), "peer-a")
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.HasLink() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer never gained a direct link after handshake")
}

func TestListenerClosesUnknownIdentity(t *testing.T) {
	table := newTestTable()

	ln, err := Listen("127.0.0.1:0", table, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln.Run(ctx)

	conn := dialAndHandshake(t, ln.Addr().String(), "nobody-registered")

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatalf("expected connection to unknown identity to be closed by server")
	}
}
