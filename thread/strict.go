package thread

import (
	"github.com/google/uuid"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
)

// Strict is the thread specialization keyed by a concrete, negotiated
// thread id rather than by peer identity. A Hub routes to it by walking
// the forest of registered ids.
type Strict struct {
	*Base
	id       string
	children map[string]bool // descendant thread ids accepted as our own
}

// NewStrict creates a Strict thread. If id is empty, the id is adopted
// from the first message ReceiveMessage is given.
func NewStrict(id string, sender Sender, clk clock.Clock) *Strict {
	return &Strict{
		Base:     newBase(sender, clk),
		id:       id,
		children: make(map[string]bool),
	}
}

// ID returns the thread's owning id, satisfying hub.StrictThread. id is
// guarded by the embedded Base's mu since ReceiveMessage can adopt it
// concurrently with a caller reading it.
func (s *Strict) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// AdoptChild registers childID as a descendant this thread also owns,
// mirroring the Hub's forest registration so later validation in
// ReceiveMessage accepts messages addressed directly to childID.
func (s *Strict) AdoptChild(childID string) {
	s.mu.Lock()
	s.children[childID] = true
	s.mu.Unlock()
}

// Send builds a chat message tagged with this thread's id.
func (s *Strict) Send(text string) error {
	st := stanza.New(stanza.Message)
	st.AppendChild(newThreadElement(s.ID(), ""))
	st.AppendChild(bodyElement(text))
	return s.sendMessage(st)
}

// ReceiveMessage adopts s.id from the first message if uninitialized,
// validates that st belongs to this thread (directly, via a registered
// child id, or by declaring this thread as its parent), then delegates to
// the shared ingest path. Messages that fail validation are ignored: the
// Hub is responsible for not routing them here in the first place, so a
// mismatch here indicates a forest inconsistency rather than a normal
// condition.
func (s *Strict) ReceiveMessage(st stanza.Stanza) {
	th := st.Child("thread")
	var incomingID, parent string
	if th != nil {
		incomingID = th.Text
		parent = th.AttrOr("parent", "")
	}

	s.mu.Lock()
	if s.id == "" {
		if incomingID == "" {
			incomingID = uuid.NewString()
		}
		s.id = incomingID
	}
	accept := false
	switch {
	case incomingID == s.id:
		accept = true
	case incomingID != "" && s.children[incomingID]:
		accept = true
	case parent == s.id:
		s.children[incomingID] = true
		accept = true
	}
	s.mu.Unlock()

	if !accept {
		return
	}
	s.receiveMessage(st)
}

// ImportForeign merges history from a thread known elsewhere under a
// different id, rewriting every message's <thread> id through a mapping
// that preserves parent relationships and records the original id.
func (s *Strict) ImportForeign(originalThreadID string, list []stanza.Stanza, replace, quiet bool) {
	s.mu.Lock()
	idMap := map[string]string{originalThreadID: s.id}
	for _, st := range list {
		th := st.Child("thread")
		if th == nil {
			continue
		}
		original := th.Text
		mapped, ok := idMap[original]
		if !ok {
			mapped = uuid.NewString()
			idMap[original] = mapped
			s.children[mapped] = true
		}
		th.SetAttr("original", original)
		th.Text = mapped
		if parent := th.AttrOr("parent", ""); parent != "" {
			if mappedParent, ok := idMap[parent]; ok {
				th.SetAttr("parent", mappedParent)
			}
		}
	}
	s.mu.Unlock()
	s.importMessages(list, replace, quiet)
}
