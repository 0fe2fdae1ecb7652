package xmpp

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"net"
	"strings"
	"testing"
	"time"
)

const serverFeatures = "<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'>" +
	"<mechanism>PLAIN</mechanism></mechanisms></stream:features>"

const serverHeader = "<stream:stream xmlns='jabber:client' " +
	"xmlns:stream='http://etherx.jabber.org/streams' version='1.0' from='example.org'>"

func nextStartElement(t *testing.T, dec *xml.Decoder) xml.StartElement {
	t.Helper()
	for {
		tok, err := dec.Token()
		if err != nil {
			t.Fatalf("server: read token: %v", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se
		}
	}
}

type serverSide struct {
	conn net.Conn
	dec  *xml.Decoder
}

// scriptedServer answers one client's stream open, SASL PLAIN exchange,
// stream restart, and resource bind, then hands the live conn+decoder back.
func scriptedServer(t *testing.T, ln net.Listener, gotAuth chan<- string, ready chan<- serverSide) {
	conn, err := ln.Accept()
	if err != nil {
		t.Errorf("server: accept: %v", err)
		return
	}
	dec := xml.NewDecoder(conn)

	// Stream open.
	if se := nextStartElement(t, dec); se.Name.Local != "stream" {
		t.Errorf("server: expected stream header, got <%s>", se.Name.Local)
	}
	conn.Write([]byte(serverHeader + serverFeatures))

	// SASL PLAIN.
	se := nextStartElement(t, dec)
	if se.Name.Local != "auth" {
		t.Errorf("server: expected <auth>, got <%s>", se.Name.Local)
	}
	var auth struct {
		Creds string `xml:",chardata"`
	}
	if err := dec.DecodeElement(&auth, &se); err != nil {
		t.Errorf("server: decode auth: %v", err)
	}
	gotAuth <- auth.Creds
	conn.Write([]byte("<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>"))

	// Stream restart.
	if se := nextStartElement(t, dec); se.Name.Local != "stream" {
		t.Errorf("server: expected restarted stream header, got <%s>", se.Name.Local)
	}
	conn.Write([]byte(serverHeader + serverFeatures))

	// Resource bind.
	se = nextStartElement(t, dec)
	if se.Name.Local != "iq" {
		t.Errorf("server: expected bind <iq>, got <%s>", se.Name.Local)
	}
	var iq struct {
		ID       string `xml:"id,attr"`
		Resource string `xml:"bind>resource"`
	}
	if err := dec.DecodeElement(&iq, &se); err != nil {
		t.Errorf("server: decode bind iq: %v", err)
	}
	if iq.Resource != "xtunnel" {
		t.Errorf("server: bind resource = %q, want xtunnel", iq.Resource)
	}
	conn.Write([]byte("<iq type='result' id='" + iq.ID + "'/>"))

	ready <- serverSide{conn: conn, dec: dec}
}

func TestClientAuthenticatesAndExchangesStanzas(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	gotAuth := make(chan string, 1)
	ready := make(chan serverSide, 1)
	go scriptedServer(t, ln, gotAuth, ready)

	c := New(Config{Addr: ln.Addr().String()})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Authenticate(ctx, "me@example.org", "sekrit"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	creds := <-gotAuth
	raw, err := base64.StdEncoding.DecodeString(creds)
	if err != nil {
		t.Fatalf("decode sasl creds: %v", err)
	}
	if got, want := string(raw), "\x00me\x00sekrit"; got != want {
		t.Errorf("sasl creds = %q, want %q", got, want)
	}

	srv := <-ready
	server := srv.conn
	defer server.Close()

	// Inbound presence and message surface as normalized stanzas.
	server.Write([]byte("<presence from='peer@example.org/xtunnelB1F2'>" +
		"<status>External 10.0.0.2 aaaaaaaaaa02 203.0.113.7 9999</status></presence>"))
	st, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next(presence): %v", err)
	}
	if st.Kind != "presence" || !st.Available {
		t.Errorf("stanza = %+v, want available presence", st)
	}
	if st.From != "peer@example.org/xtunnelB1F2" {
		t.Errorf("From = %q", st.From)
	}
	if !strings.HasPrefix(st.Status, "External ") {
		t.Errorf("Status = %q, want External payload", st.Status)
	}

	server.Write([]byte("<message from='peer@example.org/xtunnel' type='normal'><body>aGVsbG8=</body></message>"))
	st, err = c.Next(ctx)
	if err != nil {
		t.Fatalf("Next(message): %v", err)
	}
	if st.Kind != "message" || st.MessageType != "normal" || st.Body != "aGVsbG8=" {
		t.Errorf("stanza = %+v, want normal message with body", st)
	}

	// Outbound directed message reaches the wire well-formed.
	if err := c.Send(ctx, "peer@example.org/xtunnel", "normal", "Zg=="); err != nil {
		t.Fatalf("Send: %v", err)
	}
	se := nextStartElement(t, srv.dec)
	var msg struct {
		To   string `xml:"to,attr"`
		Type string `xml:"type,attr"`
		Body string `xml:"body"`
	}
	if err := srv.dec.DecodeElement(&msg, &se); err != nil {
		t.Fatalf("server: decode sent message: %v", err)
	}
	if msg.To != "peer@example.org/xtunnel" || msg.Type != "normal" || msg.Body != "Zg==" {
		t.Errorf("sent message = %+v", msg)
	}
}

func TestClientAuthFailureSurfacesError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := xml.NewDecoder(conn)
		nextStartElement(t, dec) // stream header
		conn.Write([]byte(serverHeader + serverFeatures))
		nextStartElement(t, dec) // auth
		conn.Write([]byte("<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>"))
	}()

	c := New(Config{Addr: ln.Addr().String()})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err = c.Authenticate(ctx, "me@example.org", "wrong")
	if err == nil {
		t.Fatalf("Authenticate succeeded with rejected credentials")
	}
}
