// Package fake provides an in-memory messaging.Client test double, so
// the reconnect state machine and presence/message handling in
// internal/messaging can be exercised without a real transport.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/xtunnel/xtunneld/internal/messaging"
)

// ErrClosed is returned by Client methods after Close.
var ErrClosed = errors.New("fake: client closed")

// Sent records one call to Send.
type Sent struct {
	To          string
	MessageType string
	Body        string
}

// Client is a messaging.Client double driven entirely from Go test code:
// stanzas are injected via Push, and Next delivers them in order.
type Client struct {
	ConnectErr    error
	AuthenticateErr error
	PublishErr    error
	SendErr       error

	mu       sync.Mutex
	closed   bool
	stanzas  chan messaging.Stanza
	Sent     []Sent
	Statuses []string
}

// New constructs a fake Client with a buffered stanza queue.
func New() *Client {
	return &Client{stanzas: make(chan messaging.Stanza, 64)}
}

// Push enqueues a stanza for a future Next call.
func (c *Client) Push(st messaging.Stanza) {
	c.stanzas <- st
}

// Factory returns a messaging.Factory that always returns this client,
// for tests that don't exercise rebuild-on-reconnect.
func (c *Client) Factory() messaging.Factory {
	return func() (messaging.Client, error) { return c, nil }
}

func (c *Client) Connect(ctx context.Context) error { return c.ConnectErr }

func (c *Client) Authenticate(ctx context.Context, account, password string) error {
	return c.AuthenticateErr
}

func (c *Client) PublishPresence(ctx context.Context, resource, status string) error {
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.mu.Lock()
	c.Statuses = append(c.Statuses, status)
	c.mu.Unlock()
	return nil
}

func (c *Client) Send(ctx context.Context, to, messageType, body string) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	c.Sent = append(c.Sent, Sent{To: to, MessageType: messageType, Body: body})
	c.mu.Unlock()
	return nil
}

func (c *Client) Next(ctx context.Context) (messaging.Stanza, error) {
	select {
	case <-ctx.Done():
		return messaging.Stanza{}, ctx.Err()
	case st, ok := <-c.stanzas:
		if !ok {
			return messaging.Stanza{}, ErrClosed
		}
		return st, nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stanzas)
	return nil
}
