package hub

import (
	"testing"

	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	listeners  map[string][]func(interface{})
	disconnect int
}

func newFakeSource() *fakeSource {
	return &fakeSource{listeners: make(map[string][]func(interface{}))}
}

func (f *fakeSource) On(event string, fn func(interface{})) {
	f.listeners[event] = append(f.listeners[event], fn)
}

func (f *fakeSource) Disconnect() { f.disconnect++ }

func (f *fakeSource) fire(event string, payload interface{}) {
	for _, fn := range f.listeners[event] {
		fn(payload)
	}
}

type recordingStrictThread struct {
	id       string
	received []stanza.Stanza
}

func (t *recordingStrictThread) ID() string { return t.id }
func (t *recordingStrictThread) ReceiveMessage(st stanza.Stanza) {
	t.received = append(t.received, st)
}

type recordingContactThread struct {
	received []stanza.Stanza
}

func (t *recordingContactThread) ReceiveMessage(st stanza.Stanza) {
	t.received = append(t.received, st)
}

func messageWithThread(id string) stanza.Stanza {
	st := stanza.New(stanza.Message)
	th := xmlutil.New("thread", "")
	th.Text = id
	st.AppendChild(th)
	return st
}

func TestDispatchRoutesKnownStrictThreadByID(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	th := &recordingStrictThread{id: "abc"}
	h.RegisterStrict(th)

	src.fire("incomingMessage", messageWithThread("abc"))

	require.Len(t, th.received, 1)
}

func TestDispatchRegistersSubthreadUnderKnownParent(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	parent := &recordingStrictThread{id: "parent-1"}
	h.RegisterStrict(parent)

	child := messageWithThread("child-1")
	child.Child("thread").SetAttr("parent", "parent-1")
	src.fire("incomingMessage", child)

	require.Len(t, parent.received, 1)

	// A second message addressed directly to child-1 should now resolve
	// through the forest to the same parent thread.
	src.fire("incomingMessage", messageWithThread("child-1"))
	require.Len(t, parent.received, 2)
}

func TestDispatchEmitsUnknownStrictThreadWhenIDUnmatched(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	var seen stanza.Stanza
	h.OnUnknownStrictThread(func(st stanza.Stanza) bool {
		seen = st
		return false
	})

	msg := messageWithThread("nope")
	src.fire("incomingMessage", msg)

	require.Equal(t, "nope", seen.Child("thread").Text)
}

func TestDispatchFallsBackToContactThreadByBareJID(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	peer := jid.MustParse("bob@example.com")
	ct := &recordingContactThread{}
	h.RegisterContact(peer, ct)

	st := stanza.New(stanza.Message)
	st.SetFrom(jid.MustParse("bob@example.com/phone"))
	src.fire("incomingMessage", st)

	require.Len(t, ct.received, 1)
}

func TestDispatchSkipsContactThreadWhenMultiAddressed(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	peer := jid.MustParse("bob@example.com")
	ct := &recordingContactThread{}
	h.RegisterContact(peer, ct)

	var unknownCalled bool
	h.OnUnknownThread(func(st stanza.Stanza) bool {
		unknownCalled = true
		return true
	})

	st := stanza.New(stanza.Message)
	st.SetFrom(jid.MustParse("bob@example.com/phone"))
	st.AppendChild(xmlutil.New("addresses", ns.Addresses))
	src.fire("incomingMessage", st)

	require.Empty(t, ct.received)
	require.True(t, unknownCalled)
}

func TestDispatchEmitsUnknownThreadWhenContactUnknown(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	var seen stanza.Stanza
	h.OnUnknownThread(func(st stanza.Stanza) bool {
		seen = st
		return true
	})

	st := stanza.New(stanza.Message)
	st.SetFrom(jid.MustParse("carol@example.com/desk"))
	src.fire("incomingMessage", st)

	require.False(t, seen.From().IsZero())
}

func TestDispatchDropsWhenNoListenerAccepts(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	calls := 0
	h.OnUnknownThread(func(st stanza.Stanza) bool {
		calls++
		return false
	})

	st := stanza.New(stanza.Message)
	st.SetFrom(jid.MustParse("dave@example.com"))
	src.fire("incomingMessage", st)

	require.Equal(t, 1, calls)
}

func TestRemoveStrictAlsoRemovesChildren(t *testing.T) {
	src := newFakeSource()
	h := New(src)
	parent := &recordingStrictThread{id: "p"}
	h.RegisterStrict(parent)
	h.registerChild("c", "p")

	h.RemoveStrict("p")

	require.Nil(t, h.resolveStrict("p"))
	require.Nil(t, h.resolveStrict("c"))
}

func TestAutoDisconnectFiresWhenLastThreadRemoved(t *testing.T) {
	src := newFakeSource()
	h := New(src, WithAutoDisconnect(true))
	th := &recordingStrictThread{id: "only"}
	h.RegisterStrict(th)

	h.RemoveStrict("only")

	require.Equal(t, 1, src.disconnect)
}

func TestAutoDisconnectDoesNotFireWhileOtherThreadsRemain(t *testing.T) {
	src := newFakeSource()
	h := New(src, WithAutoDisconnect(true))
	h.RegisterStrict(&recordingStrictThread{id: "a"})
	h.RegisterContact(jid.MustParse("bob@example.com"), &recordingContactThread{})

	h.RemoveStrict("a")

	require.Equal(t, 0, src.disconnect)
}
