// Package xmpp is a minimal XMPP client implementing messaging.Client:
// plaintext stream open, SASL PLAIN authentication, resource binding, and
// presence/message stanza exchange. It speaks only the subset of RFC 6120
// the overlay needs; server-initiated features beyond SASL and bind are
// ignored.
package xmpp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/xtunnel/xtunneld/internal/messaging"
)

const (
	nsClient = "jabber:client"
	nsStream = "http://etherx.jabber.org/streams"
	nsSASL   = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind   = "urn:ietf:params:xml:ns:xmpp-bind"

	defaultPort = "5222"
)

// ErrAuthFailed is returned by Authenticate when the server rejects the
// SASL exchange.
var ErrAuthFailed = errors.New("xmpp: authentication failed")

// Config selects the server endpoint and the resource to bind.
type Config struct {
	// Addr overrides the server address (host:port). Empty means the
	// account's domain on the default XMPP client port.
	Addr     string
	Resource string

	// DialTimeout bounds the TCP connect. Zero means 30s.
	DialTimeout time.Duration
}

// Client is one XMPP connection. It is built fresh for every connect
// cycle; the messaging adapter never reuses a Client across reconnects.
type Client struct {
	cfg  Config
	conn net.Conn
	dec  *xml.Decoder

	mu     sync.Mutex // guards writes to conn
	domain string
}

// New returns an unconnected Client. Use it as a messaging.Factory:
//
//	factory := func() (messaging.Client, error) { return xmpp.New(cfg), nil }
func New(cfg Config) *Client {
	if cfg.Resource == "" {
		cfg.Resource = "xtunnel"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

// Connect dials cfg.Addr when it is set; otherwise it does nothing and
// Authenticate dials the account's domain. The stream itself is opened
// during Authenticate, once the account (and so the domain) is known.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Addr == "" {
		return nil // dialed lazily in Authenticate, from the account domain
	}
	return c.dialAddr(ctx, c.cfg.Addr)
}

func (c *Client) dialAddr(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("xmpp: dial %s: %w", addr, err)
	}
	c.conn = conn
	c.dec = xml.NewDecoder(conn)
	return nil
}

// Authenticate opens the XML stream, runs SASL PLAIN for account (a bare
// "node@domain"), restarts the stream, and binds the configured resource.
func (c *Client) Authenticate(ctx context.Context, account, password string) error {
	node, domain, ok := strings.Cut(account, "@")
	if !ok {
		return fmt.Errorf("xmpp: account %q is not node@domain", account)
	}
	c.domain = domain

	if c.conn == nil {
		if err := c.dialAddr(ctx, net.JoinHostPort(domain, defaultPort)); err != nil {
			return err
		}
	}

	stop := c.deadlineOnCancel(ctx)
	defer stop()

	if err := c.openStream(); err != nil {
		return err
	}

	// SASL PLAIN: authzid NUL authcid NUL password.
	creds := base64.StdEncoding.EncodeToString([]byte("\x00" + node + "\x00" + password))
	if err := c.writeRaw("<auth xmlns='" + nsSASL + "' mechanism='PLAIN'>" + creds + "</auth>"); err != nil {
		return err
	}
	se, err := c.nextStart()
	if err != nil {
		return fmt.Errorf("xmpp: waiting for sasl result: %w", err)
	}
	if err := c.dec.Skip(); err != nil {
		return fmt.Errorf("xmpp: reading sasl result: %w", err)
	}
	if se.Name.Local != "success" {
		return fmt.Errorf("%w: server answered <%s>", ErrAuthFailed, se.Name.Local)
	}

	// Stream restart after successful SASL, then resource binding.
	if err := c.openStream(); err != nil {
		return err
	}
	var res bytes.Buffer
	xml.EscapeText(&res, []byte(c.cfg.Resource))
	if err := c.writeRaw("<iq type='set' id='bind-1'><bind xmlns='" + nsBind + "'><resource>" + res.String() + "</resource></bind></iq>"); err != nil {
		return err
	}
	se, err = c.nextStart()
	if err != nil {
		return fmt.Errorf("xmpp: waiting for bind result: %w", err)
	}
	var iq struct {
		Type string `xml:"type,attr"`
	}
	if err := c.dec.DecodeElement(&iq, &se); err != nil {
		return fmt.Errorf("xmpp: reading bind result: %w", err)
	}
	if se.Name.Local != "iq" || iq.Type != "result" {
		return fmt.Errorf("xmpp: resource bind refused: <%s type=%q>", se.Name.Local, iq.Type)
	}
	return nil
}

// openStream writes a stream header and consumes the server's header and
// its <stream:features> element.
func (c *Client) openStream() error {
	var dom bytes.Buffer
	xml.EscapeText(&dom, []byte(c.domain))
	header := "<?xml version='1.0'?><stream:stream to='" + dom.String() +
		"' xmlns='" + nsClient + "' xmlns:stream='" + nsStream + "' version='1.0'>"
	if err := c.writeRaw(header); err != nil {
		return err
	}

	// Server stream header: a start element we never expect to see closed.
	se, err := c.nextStart()
	if err != nil {
		return fmt.Errorf("xmpp: waiting for stream header: %w", err)
	}
	if se.Name.Local != "stream" {
		return fmt.Errorf("xmpp: expected <stream:stream>, got <%s>", se.Name.Local)
	}

	se, err = c.nextStart()
	if err != nil {
		return fmt.Errorf("xmpp: waiting for stream features: %w", err)
	}
	if se.Name.Local != "features" {
		return fmt.Errorf("xmpp: expected <stream:features>, got <%s>", se.Name.Local)
	}
	if err := c.dec.Skip(); err != nil {
		return fmt.Errorf("xmpp: reading stream features: %w", err)
	}
	return nil
}

// PublishPresence broadcasts availability with the given status text. The
// resource is already fixed at bind time; the parameter is accepted for
// interface symmetry and ignored here.
func (c *Client) PublishPresence(ctx context.Context, resource, status string) error {
	type presence struct {
		XMLName xml.Name `xml:"presence"`
		Status  string   `xml:"status"`
	}
	return c.writeStanza(ctx, presence{Status: status})
}

// Send delivers a directed message stanza.
func (c *Client) Send(ctx context.Context, to, messageType, body string) error {
	type message struct {
		XMLName xml.Name `xml:"message"`
		To      string   `xml:"to,attr"`
		Type    string   `xml:"type,attr"`
		Body    string   `xml:"body"`
	}
	return c.writeStanza(ctx, message{To: to, Type: messageType, Body: body})
}

// Next blocks until the next presence or message stanza arrives. Stanzas
// of other kinds (iq, stream errors we don't model) are skipped.
func (c *Client) Next(ctx context.Context) (messaging.Stanza, error) {
	if c.conn == nil {
		return messaging.Stanza{}, errors.New("xmpp: not connected")
	}
	stop := c.deadlineOnCancel(ctx)
	defer stop()

	for {
		se, err := c.nextStart()
		if err != nil {
			if ctx.Err() != nil {
				return messaging.Stanza{}, ctx.Err()
			}
			return messaging.Stanza{}, fmt.Errorf("xmpp: read stanza: %w", err)
		}

		switch se.Name.Local {
		case "presence":
			var p struct {
				From   string `xml:"from,attr"`
				Type   string `xml:"type,attr"`
				Status string `xml:"status"`
			}
			if err := c.dec.DecodeElement(&p, &se); err != nil {
				return messaging.Stanza{}, fmt.Errorf("xmpp: decode presence: %w", err)
			}
			return messaging.Stanza{
				Kind:      "presence",
				From:      p.From,
				Available: p.Type != "unavailable",
				Status:    p.Status,
			}, nil

		case "message":
			var m struct {
				From string `xml:"from,attr"`
				Type string `xml:"type,attr"`
				Body string `xml:"body"`
			}
			if err := c.dec.DecodeElement(&m, &se); err != nil {
				return messaging.Stanza{}, fmt.Errorf("xmpp: decode message: %w", err)
			}
			return messaging.Stanza{
				Kind:        "message",
				From:        m.From,
				MessageType: m.Type,
				Body:        m.Body,
			}, nil

		default:
			if err := c.dec.Skip(); err != nil {
				return messaging.Stanza{}, fmt.Errorf("xmpp: skip <%s>: %w", se.Name.Local, err)
			}
		}
	}
}

// Close ends the stream and drops the TCP connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.writeRaw("</stream:stream>")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// nextStart advances the decoder to the next start element.
func (c *Client) nextStart() (xml.StartElement, error) {
	for {
		tok, err := c.dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

func (c *Client) writeStanza(ctx context.Context, v any) error {
	data, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("xmpp: marshal stanza: %w", err)
	}
	stop := c.deadlineOnCancel(ctx)
	defer stop()
	return c.writeRaw(string(data))
}

func (c *Client) writeRaw(s string) error {
	if c.conn == nil {
		return errors.New("xmpp: not connected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write([]byte(s)); err != nil {
		return fmt.Errorf("xmpp: write: %w", err)
	}
	return nil
}

// deadlineOnCancel arranges for ctx cancellation to unblock any in-flight
// conn read/write by forcing an immediate deadline. The returned stop
// function clears the arrangement and resets the deadline.
func (c *Client) deadlineOnCancel(ctx context.Context) func() {
	conn := c.conn
	if conn == nil {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		if ctx.Err() == nil {
			conn.SetDeadline(time.Time{})
		}
	}
}
