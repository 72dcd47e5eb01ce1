package thread

import (
	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
)

// syntheticThreadID is the fixed <thread> id a Contact uses for outgoing
// messages before it has adopted one from the peer.
const syntheticThreadID = "contact"

// Contact is the one-to-one thread specialization: it is keyed by the
// peer's bare JID rather than by a negotiated thread id, and routes every
// message `to` the peer regardless of which resource sent it.
type Contact struct {
	*Base
	peer     jid.JID
	threadID string
}

// NewContact creates a Contact thread for peer, initially using the
// synthetic thread id.
func NewContact(peer jid.JID, sender Sender, clk clock.Clock) *Contact {
	return &Contact{
		Base:     newBase(sender, clk),
		peer:     peer.Bare(),
		threadID: syntheticThreadID,
	}
}

// Peer returns the bare JID this thread is bound to.
func (c *Contact) Peer() jid.JID { return c.peer }

// Send builds a chat message addressed to the peer's full JID (or bare, if
// none is known) carrying text, and hands it to the base sendMessage path.
func (c *Contact) Send(full jid.JID, text string) error {
	st := stanza.New(stanza.Message)
	to := full
	if to.IsZero() {
		to = c.peer
	}
	st.SetTo(to)
	c.mu.Lock()
	threadID := c.threadID
	c.mu.Unlock()
	st.AppendChild(newThreadElement(threadID, ""))
	st.AppendChild(bodyElement(text))
	return c.sendMessage(st)
}

// ReceiveMessage adopts the peer's declared thread id, if any, before
// delegating to the shared ingest path. The Hub still routes to this
// Contact purely by bare JID, so adopting the id doesn't change routing.
// threadID is guarded by the embedded Base's mu since Send reads it from
// whatever goroutine the caller happens to be on.
func (c *Contact) ReceiveMessage(st stanza.Stanza) {
	if th := st.Child("thread"); th != nil && th.Text != "" {
		c.mu.Lock()
		c.threadID = th.Text
		c.mu.Unlock()
	}
	c.receiveMessage(st)
}
