// Package threadbridge adapts a failsafe.Facade to the narrow sender
// interfaces thread.Base and thread.MultiUser depend on, so a MultiUser
// thread survives the reconnects the facade hides from it.
package threadbridge

import (
	"github.com/ralfstrobel/coopfox-sub000/failsafe"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
)

// sender is the part of *client.Client that failsafe.Inner omits (Inner
// only covers what the facade itself needs: On/Start/Close). The facade's
// Do callback hands back an Inner, so we recover Send via a local
// assertion rather than widening Inner for every caller's sake.
type sender interface {
	Send(st stanza.Stanza, cb *stanza.Callback) error
}

// Bridge implements thread.Sender and thread.IQSource on top of a
// *failsafe.Facade: Send is routed through Do so a message composed while
// offline is queued and replayed against the next live client instead of
// dropped, and On forwards directly since the facade already re-arms
// subscriptions across reconnects.
type Bridge struct {
	facade *failsafe.Facade
	self   jid.JID
}

// New returns a Bridge for self, the bare/full JID the session bound at
// login. The facade does not expose the bound address itself (Inner has no
// such method), so the caller supplies it once at construction time.
func New(facade *failsafe.Facade, self jid.JID) *Bridge {
	return &Bridge{facade: facade, self: self}
}

func (b *Bridge) Send(st stanza.Stanza, cb *stanza.Callback) error {
	b.facade.Do(func(inner failsafe.Inner) {
		if s, ok := inner.(sender); ok {
			_ = s.Send(st, cb)
		}
	})
	return nil
}

func (b *Bridge) SelfJID() jid.JID { return b.self }

func (b *Bridge) On(event string, fn func(interface{})) {
	b.facade.On(event, fn)
}
