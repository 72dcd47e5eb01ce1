// Package stanza wraps the tagged-tree element representation from
// xmlutil with the three XMPP stanza kinds (message, presence, iq) and the
// outstanding-callback bookkeeping used to match iq responses to their
// requests.
package stanza

import (
	"errors"
	"fmt"
	"time"

	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// Kind is one of the three top-level XMPP stanza kinds.
type Kind string

const (
	Message  Kind = "message"
	Presence Kind = "presence"
	IQ       Kind = "iq"
)

// Valid IQ/message/presence type attributes, used by validation in the
// client layer.
var (
	MessageTypes  = map[string]bool{"": true, "chat": true, "error": true, "groupchat": true, "headline": true, "normal": true}
	PresenceTypes = map[string]bool{"": true, "error": true, "probe": true, "subscribe": true, "subscribed": true, "unavailable": true, "unsubscribe": true, "unsubscribed": true}
	IQTypes       = map[string]bool{"get": true, "set": true, "result": true, "error": true}
)

// ErrInvalidKind is returned when an element's local name is not one of
// message, presence or iq.
var ErrInvalidKind = errors.New("stanza: element is not message, presence or iq")

// ErrInvalidType is returned by validation when a type attribute isn't one
// of the values allowed for that stanza kind.
var ErrInvalidType = errors.New("stanza: invalid type attribute")

// Stanza is a tagged-tree record for one of the three top-level XMPP
// elements. It wraps xmlutil.Element so callers may still reach into
// arbitrary child subtrees, while exposing the routing attributes the core
// reasons about directly.
type Stanza struct {
	*xmlutil.Element
}

// New creates an empty stanza of the given kind in the jabber:client
// namespace.
func New(kind Kind) Stanza {
	return Stanza{xmlutil.New(string(kind), "")}
}

// FromElement wraps el as a Stanza, validating that its local name is one
// of message/presence/iq.
func FromElement(el *xmlutil.Element) (Stanza, error) {
	switch Kind(el.Name) {
	case Message, Presence, IQ:
		return Stanza{el}, nil
	default:
		return Stanza{}, fmt.Errorf("%w: %q", ErrInvalidKind, el.Name)
	}
}

// Kind returns the stanza's top-level kind.
func (s Stanza) Kind() Kind { return Kind(s.Name) }

// ID returns the id attribute.
func (s Stanza) ID() string { return s.AttrOr("id", "") }

// SetID sets the id attribute.
func (s Stanza) SetID(id string) Stanza { s.SetAttr("id", id); return s }

// Type returns the type attribute.
func (s Stanza) Type() string { return s.AttrOr("type", "") }

// SetType sets the type attribute.
func (s Stanza) SetType(t string) Stanza { s.SetAttr("type", t); return s }

// From parses and returns the from attribute; the zero JID if absent or
// unparsable.
func (s Stanza) From() jid.JID {
	j, _ := jid.FromString(s.AttrOr("from", ""))
	return j
}

// SetFrom sets the from attribute.
func (s Stanza) SetFrom(j jid.JID) Stanza { s.SetAttr("from", j.String()); return s }

// To parses and returns the to attribute; the zero JID if absent or
// unparsable.
func (s Stanza) To() jid.JID {
	j, _ := jid.FromString(s.AttrOr("to", ""))
	return j
}

// SetTo sets the to attribute.
func (s Stanza) SetTo(j jid.JID) Stanza { s.SetAttr("to", j.String()); return s }

// ValidateType reports whether the stanza's type attribute is one of the
// values legal for its kind.
func (s Stanza) ValidateType() error {
	var table map[string]bool
	switch s.Kind() {
	case Message:
		table = MessageTypes
	case Presence:
		table = PresenceTypes
	case IQ:
		table = IQTypes
	default:
		return ErrInvalidKind
	}
	if !table[s.Type()] {
		return fmt.Errorf("%w: %q", ErrInvalidType, s.Type())
	}
	return nil
}

// Clone returns a deep copy of the stanza.
func (s Stanza) Clone() Stanza {
	return Stanza{s.Element.Clone()}
}

// Error describes a stanza-level <error/> child (RFC 6120 §8.3).
type Error struct {
	Type      string
	Condition string
	Text      string
}

func (e Error) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("stanza error: %s (%s)", e.Condition, e.Type)
	}
	return fmt.Sprintf("stanza error: %s (%s): %s", e.Condition, e.Type, e.Text)
}

// ErrorFrom extracts the <error/> child of a stanza, if any.
func ErrorFrom(s Stanza) (Error, bool) {
	errEl := s.Child("error")
	if errEl == nil {
		return Error{}, false
	}
	e := Error{Type: errEl.AttrOr("type", "")}
	for _, c := range errEl.Children {
		if c.Name != "text" {
			e.Condition = c.Name
		} else {
			e.Text = c.Text
		}
	}
	return e, true
}

// callbackTTL is the lifetime of an outstanding outgoing iq callback
// before it expires unresolved.
const callbackTTL = 10 * time.Second

// Callback is an outgoing iq stanza stored with its original payload, the
// time it was sent, and at most one success and one error continuation. It
// is matched against inbound result/error stanzas by id and resolves
// exactly once: via success, via error, or by expiring after callbackTTL.
type Callback struct {
	Request   Stanza
	Sent      time.Time
	OnSuccess func(Stanza)
	OnError   func(Stanza)
	resolved  bool
}

// NewCallback records a callback-stanza sent at now.
func NewCallback(req Stanza, now time.Time, onSuccess, onError func(Stanza)) *Callback {
	return &Callback{Request: req, Sent: now, OnSuccess: onSuccess, OnError: onError}
}

// Expired reports whether the callback has outlived its TTL as of now.
func (c *Callback) Expired(now time.Time) bool {
	return !c.resolved && now.Sub(c.Sent) >= callbackTTL
}

// Resolve delivers resp to the matching continuation exactly once.
// Resolving twice is a no-op, preserving the "never both" invariant.
func (c *Callback) Resolve(resp Stanza) {
	if c.resolved {
		return
	}
	c.resolved = true
	if resp.Type() == "error" {
		if c.OnError != nil {
			c.OnError(resp)
		}
		return
	}
	if c.OnSuccess != nil {
		c.OnSuccess(resp)
	}
}

// Resolved reports whether Resolve has already been called.
func (c *Callback) Resolved() bool { return c.resolved }
