package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xtunnel/xtunneld/internal/events"
	"github.com/xtunnel/xtunneld/internal/messaging"
	"github.com/xtunnel/xtunneld/internal/messaging/fake"
	"github.com/xtunnel/xtunneld/internal/peer"
)

type fakeTapRW struct {
	mu      sync.Mutex
	frames  chan []byte
	written [][]byte
	closed  bool
}

func newFakeTap() *fakeTapRW {
	return &fakeTapRW{frames: make(chan []byte, 16)}
}

func (f *fakeTapRW) ReadFrame() ([]byte, error) {
	frame, ok := <-f.frames
	if !ok {
		return nil, errors.New("fakeTapRW: closed")
	}
	return frame, nil
}

func (f *fakeTapRW) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTapRW) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.frames)
	return nil
}

func ipFrame(dstMAC, srcMAC [6]byte) []byte {
	raw := make([]byte, 34)
	copy(raw[0:6], dstMAC[:])
	copy(raw[6:12], srcMAC[:])
	raw[12], raw[13] = 0x08, 0x00
	return raw
}

func TestLoopDispatchesTapFrameViaMessagingFallback(t *testing.T) {
	tap := newFakeTap()
	bus := events.NewBus(nil)
	selfMAC := [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x01}
	peerMAC := [6]byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0x02}

	client := fake.New()
	adapterCfg := messaging.AdapterConfig{Account: "me@example.org", SelfIP: "10.0.0.1", SelfMAC: "aaaaaaaaaa01"}

	table := peer.NewTable(tap, nil, bus, nil)
	adapter := messaging.NewAdapter(adapterCfg, client.Factory(), table, tap, bus, nil, nil)
	table.SetSender(adapter)

	p := peer.New("peer-b", "10.0.0.2", "aaaaaaaaaa02", nil, tap, bus, nil)
	table.Add(p)

	l := New(tap, table, adapter, nil, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// A frame dispatched before the adapter is live is dropped with
	// ErrNotConnected, so wait for the transport to come up first.
	for wait := time.Now().Add(2 * time.Second); adapter.State() != messaging.StateLive; {
		if time.Now().After(wait) {
			t.Fatalf("adapter state = %q, never reached live", adapter.State())
		}
		time.Sleep(time.Millisecond)
	}

	tap.frames <- ipFrame(peerMAC, selfMAC)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(client.Sent) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(client.Sent) != 1 {
		t.Fatalf("client.Sent = %v, want exactly one messaging fallback send", client.Sent)
	}
	if client.Sent[0].To != "peer-b" {
		t.Errorf("Sent.To = %q, want peer-b", client.Sent[0].To)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}

func TestLoopReturnsFatalErrorOnTapFailure(t *testing.T) {
	tap := newFakeTap()
	bus := events.NewBus(nil)
	client := fake.New()
	adapterCfg := messaging.AdapterConfig{Account: "me@example.org", SelfIP: "10.0.0.1", SelfMAC: "aaaaaaaaaa01"}
	table := peer.NewTable(tap, nil, bus, nil)
	adapter := messaging.NewAdapter(adapterCfg, client.Factory(), table, tap, bus, nil, nil)

	l := New(tap, table, adapter, nil, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	tap.Close() // simulate TapIOError

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected a fatal tap error, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after tap failure")
	}
}
