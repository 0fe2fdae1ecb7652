// Package messaging wraps an external presence/messaging transport client
// to ferry overlay frames as base64 message bodies and to discover peers
// through the transport's presence mechanism.
package messaging

import "context"

// Stanza is one unit of inbound transport traffic, normalized across
// whatever the underlying protocol calls its wire elements.
type Stanza struct {
	Kind string // "presence" or "message"

	// From is the full sender identity as the transport reports it
	// (e.g. "user@domain/resource").
	From string

	// Presence fields, valid when Kind == "presence".
	Available bool
	Status    string

	// Message fields, valid when Kind == "message".
	MessageType string
	Body        string
}

// Client is the narrow capability this package needs from a concrete
// messaging-transport implementation (XML-stream connection, SASL
// authentication, stanza dispatch are all out of scope here — see
// messaging/fake for the in-memory test double, messaging/xmpp for the
// minimal client cmd/xtunneld uses, and DESIGN.md for why no third-party
// transport library is wired in).
type Client interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, account, password string) error
	PublishPresence(ctx context.Context, resource, status string) error
	Send(ctx context.Context, to, messageType, body string) error
	// Next blocks until the next stanza is available, or ctx is done, or
	// the underlying transport fails.
	Next(ctx context.Context) (Stanza, error)
	Close() error
}

// Factory constructs a fresh Client, used to rebuild the transport
// connection on every reconnect cycle (see Adapter.Run).
type Factory func() (Client, error)
