// Package hub multiplexes inbound messages from a single Client onto the
// logical threads that own them. It sits on top of the
// failsafe Facade, subscribing to its forwarded "incomingMessage" event,
// and routes each message to a strict thread (by thread id), a contact
// thread (by peer bare JID), or drops it after giving observers a chance
// to spawn a new thread for it.
package hub

import (
	"sync"

	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
)

// StrictThread is a thread keyed by a thread id, catching messages tagged
// with that id or a descendant.
type StrictThread interface {
	ID() string
	ReceiveMessage(stanza.Stanza)
}

// ContactThread is a thread keyed by a remote bare identity, catching any
// one-to-one message from or to that identity.
type ContactThread interface {
	ReceiveMessage(stanza.Stanza)
}

// eventSource is the subset of failsafe.Facade the hub depends on: a
// forwarded-event subscription and the ability to auto-disconnect when the
// last thread closes.
type eventSource interface {
	On(event string, fn func(interface{}))
	Disconnect()
}

// Options configures a Hub, following the module's functional-options idiom.
type Options struct {
	// AutoDisconnect tears down the underlying facade once the last thread
	// (strict or contact) is removed.
	AutoDisconnect bool
}

type Option func(*Options)

func WithAutoDisconnect(v bool) Option { return func(o *Options) { o.AutoDisconnect = v } }

// Hub is the thread multiplexer routing inbound messages to the thread
// that owns them.
type Hub struct {
	mu   sync.Mutex
	opts Options
	src  eventSource

	// strictEntries forms a forest: a thread id maps either directly to its
	// owning StrictThread, or to a string naming its parent thread id.
	strictEntries map[string]interface{}
	contacts      map[string]ContactThread // keyed by bare JID string

	unknownStrict []func(stanza.Stanza) bool
	unknownThread []func(stanza.Stanza) bool
}

// New creates a Hub wired to src's incomingMessage event.
func New(src eventSource, opt ...Option) *Hub {
	opts := Options{}
	for _, o := range opt {
		o(&opts)
	}
	h := &Hub{
		opts:          opts,
		src:           src,
		strictEntries: make(map[string]interface{}),
		contacts:      make(map[string]ContactThread),
	}
	src.On("incomingMessage", func(payload interface{}) {
		if st, ok := payload.(stanza.Stanza); ok {
			h.Dispatch(st)
		}
	})
	return h
}

// OnUnknownStrictThread registers an observer for the unknownStrictThread
// event. fn returns whether it accepted the message (spawned a thread for
// it and wants to be routed to directly next time); the first accepting
// observer stops further notification.
func (h *Hub) OnUnknownStrictThread(fn func(stanza.Stanza) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unknownStrict = append(h.unknownStrict, fn)
}

// OnUnknownThread registers an observer for the unknownThread event.
func (h *Hub) OnUnknownThread(fn func(stanza.Stanza) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unknownThread = append(h.unknownThread, fn)
}

// RegisterStrict adds t to the forest under its own id, replacing any
// placeholder parent-id entry previously recorded for that id.
func (h *Hub) RegisterStrict(t StrictThread) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strictEntries[t.ID()] = t
}

// RemoveStrict removes the thread owning id and every entry that resolves
// to it (direct children). It then checks the auto-disconnect condition.
func (h *Hub) RemoveStrict(id string) {
	h.mu.Lock()
	delete(h.strictEntries, id)
	for childID, v := range h.strictEntries {
		if parent, ok := v.(string); ok && parent == id {
			delete(h.strictEntries, childID)
		}
	}
	empty := len(h.strictEntries) == 0 && len(h.contacts) == 0
	h.mu.Unlock()
	h.maybeAutoDisconnect(empty)
}

// RegisterContact adds ct under peer's bare JID.
func (h *Hub) RegisterContact(peer jid.JID, ct ContactThread) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contacts[peer.Bare().String()] = ct
}

// RemoveContact removes the contact thread for peer and checks the
// auto-disconnect condition.
func (h *Hub) RemoveContact(peer jid.JID) {
	h.mu.Lock()
	delete(h.contacts, peer.Bare().String())
	empty := len(h.strictEntries) == 0 && len(h.contacts) == 0
	h.mu.Unlock()
	h.maybeAutoDisconnect(empty)
}

func (h *Hub) maybeAutoDisconnect(empty bool) {
	if empty && h.opts.AutoDisconnect {
		h.src.Disconnect()
	}
}

// resolveStrict walks the forest from id to its owning StrictThread, or
// returns nil if id is unknown or the chain is broken.
func (h *Hub) resolveStrict(id string) StrictThread {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool)
	for {
		if seen[id] {
			return nil
		}
		seen[id] = true
		v, ok := h.strictEntries[id]
		if !ok {
			return nil
		}
		switch t := v.(type) {
		case StrictThread:
			return t
		case string:
			id = t
		default:
			return nil
		}
	}
}

func (h *Hub) registerChild(childID, parentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.strictEntries[childID]; !exists {
		h.strictEntries[childID] = parentID
	}
}

// Dispatch routes one inbound message stanza: first by thread id (direct
// or registered child), then to unknownStrictThread observers, then by
// contact bare JID if the message isn't multicast-addressed, then to
// unknownThread observers, dropping it if nothing claims it.
func (h *Hub) Dispatch(st stanza.Stanza) {
	threadID := threadIDFrom(st)
	if threadID != "" {
		if owner := h.resolveStrict(threadID); owner != nil {
			owner.ReceiveMessage(st)
			return
		}
		if parentID := parentIDFrom(st); parentID != "" {
			if owner := h.resolveStrict(parentID); owner != nil {
				h.registerChild(threadID, parentID)
				owner.ReceiveMessage(st)
				return
			}
		}
	}

	if h.notify(h.unknownStrict, st) {
		return
	}

	if !hasAddresses(st) {
		from := st.From().Bare()
		if st.AttrOr("$isEcho", "") == "true" {
			// A locally echoed outbound message belongs to its recipient.
			from = st.To().Bare()
		}
		h.mu.Lock()
		ct, ok := h.contacts[from.String()]
		h.mu.Unlock()
		if ok {
			ct.ReceiveMessage(st)
			return
		}
	}

	h.notify(h.unknownThread, st)
	// No listener accepted: dropped.
}

func (h *Hub) notify(listeners []func(stanza.Stanza) bool, st stanza.Stanza) bool {
	h.mu.Lock()
	fns := append([]func(stanza.Stanza) bool(nil), listeners...)
	h.mu.Unlock()
	for _, fn := range fns {
		if fn(st) {
			return true
		}
	}
	return false
}

func threadIDFrom(st stanza.Stanza) string {
	th := st.Child("thread")
	if th == nil {
		return ""
	}
	return th.Text
}

func parentIDFrom(st stanza.Stanza) string {
	th := st.Child("thread")
	if th == nil {
		return ""
	}
	return th.AttrOr("parent", "")
}

func hasAddresses(st stanza.Stanza) bool {
	return st.ChildNS("addresses", ns.Addresses) != nil
}
