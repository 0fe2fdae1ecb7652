// Package loop implements the multiplexing event loop that drives every
// readable source of the overlay: the TAP device, the messaging adapter,
// every peer holding a direct link, and the direct-link listener. Go has
// no select(2) over heterogeneous file descriptors, so each source is
// realized as its own goroutine pumping its native blocking read call;
// the peer table's mutex (not a single dispatching goroutine) is the
// serialization point for shared state.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xtunnel/xtunneld/internal/direct"
	"github.com/xtunnel/xtunneld/internal/ethframe"
	"github.com/xtunnel/xtunneld/internal/events"
	"github.com/xtunnel/xtunneld/internal/messaging"
	"github.com/xtunnel/xtunneld/internal/metrics"
	"github.com/xtunnel/xtunneld/internal/peer"
)

// TickInterval bounds the readiness wait: even an idle loop wakes
// periodically.
const TickInterval = 3 * time.Second

// TapReader is the narrow TAP capability the loop needs to pump frames
// off the local segment.
type TapReader interface {
	ReadFrame() ([]byte, error)
}

// Loop assembles and drives every readable source.
type Loop struct {
	tap      TapReader
	table    *peer.Table
	adapter  *messaging.Adapter
	listener *direct.Listener // nil when this node is Internal-only
	bus      *events.Bus
	logger   *slog.Logger

	tick time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	pumped map[string]bool
}

// New constructs a Loop. listener may be nil.
func New(tap TapReader, table *peer.Table, adapter *messaging.Adapter, listener *direct.Listener, bus *events.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tap:      tap,
		table:    table,
		adapter:  adapter,
		listener: listener,
		bus:      bus,
		logger:   logger,
		tick:     TickInterval,
		pumped:   make(map[string]bool),
	}
}

// Run drives the loop until ctx is cancelled (process-level SIGTERM
// translates to ctx cancellation at the call site) or the TAP device
// fails. It returns the TAP error on a TAP failure, the only per-source
// failure that is fatal to the whole process, and ctx.Err() otherwise.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, unsubscribe := l.bus.Subscribe()
	defer unsubscribe()

	tapErrCh := make(chan error, 1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		tapErrCh <- l.pumpTap(ctx)
	}()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.adapter.Run(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("loop: messaging adapter exited unexpectedly", "error", err)
		}
	}()

	if l.listener != nil {
		l.listener.Run(ctx)
	}

	for _, p := range l.table.LinkedPeers() {
		l.startPeerPump(ctx, p)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.reconcilePeerPumps(ctx, sub)
	}()

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	var fatal error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-tapErrCh:
			if err != nil {
				fatal = err
			}
			break loop
		case <-ticker.C:
			metrics.LoopIterations.WithLabelValues("tick").Inc()
		}
	}

	cancel()
	if l.listener != nil {
		l.listener.Close()
	}
	if closer, ok := l.tap.(interface{ Close() error }); ok {
		closer.Close()
	}
	for _, p := range l.table.LinkedPeers() {
		p.Close()
	}
	l.wg.Wait()

	if fatal != nil {
		return fatal
	}
	return ctx.Err()
}

func (l *Loop) pumpTap(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := l.tap.ReadFrame()
		if err != nil {
			return fmt.Errorf("loop: tap read: %w", err)
		}

		frame, err := ethframe.Parse(raw)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		l.table.Dispatch(frame)
		metrics.LoopIterations.WithLabelValues("ready").Inc()
	}
}

// reconcilePeerPumps watches peer lifecycle events and starts a pump
// goroutine for every peer that gains a direct link. Pumps exit on their
// own once the peer's link is torn down (peer.OnReadable returns an
// error), so no explicit stop wiring is needed on LinkDown.
func (l *Loop) reconcilePeerPumps(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Kind != events.LinkUp {
				continue
			}
			if p := l.table.LookupByID(ev.PeerID); p != nil {
				l.startPeerPump(ctx, p)
			}
		}
	}
}

func (l *Loop) startPeerPump(ctx context.Context, p *peer.Peer) {
	l.mu.Lock()
	if l.pumped[p.ID()] {
		l.mu.Unlock()
		return
	}
	l.pumped[p.ID()] = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.pumped, p.ID())
			l.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := p.OnReadable(); err != nil {
				return
			}
			metrics.LoopIterations.WithLabelValues("ready").Inc()
		}
	}()
}
