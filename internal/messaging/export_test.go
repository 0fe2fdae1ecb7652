package messaging

import (
	"time"

	"github.com/xtunnel/xtunneld/internal/peer"
)

// The helpers below expose internals needed by the external adapter_test.go
// (package messaging_test). They exist only so that package can use the
// fake.Client test double without the test binary importing this package's
// own test variant (which would be an import cycle).

func (a *Adapter) SetReconnectSleepForTest(d time.Duration) {
	a.reconnectSleep = d
}

func (a *Adapter) SetClientForTest(c Client) {
	a.client = c
}

func (a *Adapter) HandlePresenceForTest(st Stanza) {
	a.handlePresence(st)
}

func (a *Adapter) HandleMessageForTest(st Stanza) {
	a.handleMessage(st)
}

func (a *Adapter) LookupPeerForTest(id string) *peer.Peer {
	return a.table.LookupByID(id)
}
