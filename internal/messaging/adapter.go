package messaging

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xtunnel/xtunneld/internal/events"
	"github.com/xtunnel/xtunneld/internal/metrics"
	"github.com/xtunnel/xtunneld/internal/peer"
	"github.com/xtunnel/xtunneld/internal/wire"
)

// defaultReconnectSleep is a fixed backoff, not exponential: no peer
// traffic is useful while the transport is down, so there is nothing to
// tune against.
const defaultReconnectSleep = 7 * time.Second

// ErrNotConnected is returned by SendFrameViaMessaging while the adapter
// is between connections.
var ErrNotConnected = errors.New("messaging: not connected")

// AdapterConfig carries the node's identity and reachability as needed to
// build its own presence payload and to recognize its own stanzas.
type AdapterConfig struct {
	Account  string // bare account, e.g. "bot@example.org"
	Password string
	Resource string // always "xtunnel" in production; overridable for tests

	SelfIP  string
	SelfMAC string // canonical lowercase hex, no separators

	ExternalIP   string // empty => Internal-only presence
	ExternalPort int
}

func (c AdapterConfig) external() bool { return c.ExternalIP != "" }

// Dialer opens an outbound TCP connection to a peer's advertised external
// endpoint. Overridable in tests; defaults to net.Dial.
type Dialer func(ip string, port int) (net.Conn, error)

// Adapter wraps a Client, maintaining the presence-based peer discovery
// protocol and the transport reconnect state machine.
type Adapter struct {
	cfg     AdapterConfig
	factory Factory
	table   *peer.Table
	tap     peer.FrameWriter
	bus     *events.Bus
	logger  *slog.Logger
	dial    Dialer

	reconnectSleep time.Duration

	mu    sync.Mutex
	state State
	client Client
}

// NewAdapter constructs an Adapter. dial may be nil to use net.Dial.
func NewAdapter(cfg AdapterConfig, factory Factory, table *peer.Table, tap peer.FrameWriter, bus *events.Bus, logger *slog.Logger, dial Dialer) *Adapter {
	if cfg.Resource == "" {
		cfg.Resource = "xtunnel"
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = func(ip string, port int) (net.Conn, error) {
			return net.Dial("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		}
	}
	return &Adapter{
		cfg:            cfg,
		factory:        factory,
		table:          table,
		tap:            tap,
		bus:            bus,
		logger:         logger,
		dial:           dial,
		reconnectSleep: defaultReconnectSleep,
		state:          StateDisconnected,
	}
}

// State returns the adapter's current reconnect-FSM state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// selfIdentity is this node's own presence-system identity, normalized to
// the "xtunnel" resource exactly as every inbound identity is.
func (a *Adapter) selfIdentity() string {
	return a.cfg.Account + "/" + a.cfg.Resource
}

// buildStatus renders this node's presence status payload.
func (a *Adapter) buildStatus() string {
	if a.cfg.external() {
		return fmt.Sprintf("External %s %s %s %d", a.cfg.SelfIP, a.cfg.SelfMAC, a.cfg.ExternalIP, a.cfg.ExternalPort)
	}
	return fmt.Sprintf("Internal %s %s", a.cfg.SelfIP, a.cfg.SelfMAC)
}

// Run drives the adapter until ctx is cancelled: connect, authenticate,
// publish presence, then pump stanzas until the transport fails, at which
// point it reconnects after a fixed sleep. Run never returns a non-nil
// error except context cancellation.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := a.connectAndAuth(ctx); err != nil {
			a.logger.Warn("messaging: connect/auth failed", "error", err)
			if !a.sleepReconnect(ctx) {
				return ctx.Err()
			}
			continue
		}

		a.setState(StateLive)
		err := a.pumpStanzas(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("messaging: transport error, reconnecting", "error", err)
		metrics.MessagingReconnects.Inc()
		a.bus.Publish(events.Event{Kind: events.Reconnecting, Reason: err.Error()})
		if !a.sleepReconnect(ctx) {
			return ctx.Err()
		}
	}
}

func (a *Adapter) connectAndAuth(ctx context.Context) error {
	a.setState(StateConnecting)
	client, err := a.factory()
	if err != nil {
		return fmt.Errorf("messaging: build client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return fmt.Errorf("messaging: connect: %w", err)
	}

	a.setState(StateAuthenticating)
	if err := client.Authenticate(ctx, a.cfg.Account, a.cfg.Password); err != nil {
		client.Close()
		return fmt.Errorf("messaging: authenticate: %w", err)
	}

	if err := client.PublishPresence(ctx, a.cfg.Resource, a.buildStatus()); err != nil {
		client.Close()
		return fmt.Errorf("messaging: publish presence: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	return nil
}

func (a *Adapter) pumpStanzas(ctx context.Context) error {
	for {
		client := a.currentClient()
		if client == nil {
			return errors.New("messaging: client unexpectedly nil")
		}
		st, err := client.Next(ctx)
		if err != nil {
			return err
		}
		switch st.Kind {
		case "presence":
			a.handlePresence(st)
		case "message":
			a.handleMessage(st)
		}
	}
}

func (a *Adapter) sleepReconnect(ctx context.Context) bool {
	a.setState(StateFailed)
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.mu.Unlock()
	if c != nil {
		c.Close()
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(a.reconnectSleep):
	}
	a.setState(StateDisconnected)
	return true
}

func (a *Adapter) currentClient() Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	old := a.state
	a.state = s
	a.mu.Unlock()
	if old == s {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.MessagingState.WithLabelValues(string(st)).Set(v)
	}
	a.logger.Info("messaging: state transition", "old_state", string(old), "new_state", string(s))
}

// normalizeFrom extracts "<account>/<resource>" from a raw transport
// sender address, filtering out senders whose resource does not start
// with the configured resource tag and normalizing the accepted resource
// suffix away (the random characters some servers append to a resource).
func (a *Adapter) normalizeFrom(from string) (identity string, ok bool) {
	base, resource, hasResource := strings.Cut(from, "/")
	if !hasResource || !strings.HasPrefix(resource, a.cfg.Resource) {
		return "", false
	}
	return base + "/" + a.cfg.Resource, true
}

func (a *Adapter) handlePresence(st Stanza) {
	identity, ok := a.normalizeFrom(st.From)
	if !ok {
		metrics.PresenceIgnored.WithLabelValues("resource_filter").Inc()
		return
	}
	if identity == a.selfIdentity() {
		metrics.PresenceIgnored.WithLabelValues("self").Inc()
		return
	}

	if !st.Available {
		a.table.Remove(identity)
		return
	}

	fields := strings.Fields(st.Status)
	switch {
	case len(fields) == 3 && fields[0] == "Internal":
		a.SeedPeer(identity, fields[1], fields[2], nil)

	case len(fields) == 5 && fields[0] == "External":
		ip, mac, eip, eportStr := fields[1], fields[2], fields[3], fields[4]
		eport, err := strconv.Atoi(eportStr)
		if err != nil {
			return
		}
		a.SeedPeer(identity, ip, mac, &peer.ExternalHint{IP: eip, Port: eport})

	default:
		// Malformed or unrecognized status payload: no peer created.
	}
}

// SeedPeer registers a peer as if announced by presence and, for External
// peers that win the tie-break, dials their advertised endpoint. It backs
// both live presence handling and the startup replay of persisted
// sightings; presence remains the root of trust either way, since a later
// announcement for the same identity is a no-op and unavailable removes
// the entry. Returns false if the table rejected the peer.
func (a *Adapter) SeedPeer(id, ip, mac string, hint *peer.ExternalHint) bool {
	p := peer.New(id, ip, mac, hint, a.tap, a.bus, a.logger)
	if !a.table.Add(p) {
		return false
	}
	if hint == nil {
		return true
	}

	// Tie-break: when both sides are External, the node with the
	// lexicographically greater MAC waits to be dialed instead of
	// dialing, so exactly one side initiates the direct link.
	if a.cfg.external() && a.cfg.SelfMAC > mac {
		return true
	}
	go a.dialPeer(p)
	return true
}

func (a *Adapter) dialPeer(p *peer.Peer) {
	hint := p.External()
	if hint == nil {
		return
	}
	conn, err := a.dial(hint.IP, hint.Port)
	if err != nil {
		metrics.OutboundDials.WithLabelValues("failed").Inc()
		a.logger.Warn("messaging: outbound dial failed", "peer_id", p.ID(), "ip", hint.IP, "port", hint.Port, "error", err)
		return
	}

	rec, err := wire.Encode([]byte(a.selfIdentity()))
	if err != nil {
		conn.Close()
		return
	}
	if _, err := conn.Write(rec); err != nil {
		conn.Close()
		metrics.OutboundDials.WithLabelValues("failed").Inc()
		return
	}

	if err := p.AttachLink(conn, nil); err != nil {
		a.logger.Warn("messaging: attach outbound link failed", "peer_id", p.ID(), "error", err)
		return
	}
	metrics.OutboundDials.WithLabelValues("connected").Inc()
}

func (a *Adapter) handleMessage(st Stanza) {
	if st.MessageType != "normal" {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(st.Body)
	if err != nil {
		return
	}
	if err := a.tap.WriteFrame(frame); err != nil {
		a.logger.Warn("messaging: write to tap failed", "error", err)
		return
	}
	metrics.MessagingFramesReceived.Inc()
}

// SendFrameViaMessaging sends frame as a "normal" message addressed to
// peerID, base64-encoded, implementing peer.FrameSender for the table's
// dispatch fallback path.
func (a *Adapter) SendFrameViaMessaging(peerID string, frame []byte) error {
	client := a.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	body := base64.StdEncoding.EncodeToString(frame)
	if err := client.Send(context.Background(), peerID, "normal", body); err != nil {
		return fmt.Errorf("messaging: send: %w", err)
	}
	metrics.MessagingFramesSent.Inc()
	return nil
}
