package client

import (
	"testing"
	"time"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return &Client{
		opts:                 defaultOptions(),
		clock:                clock.NewFake(time.Unix(0, 0)),
		roster:               make(map[string]*RosterItem),
		self:                 &RosterItem{JID: jid.MustParse("alice@example.com"), IsSelf: true, Presences: make(map[string]Presence)},
		bus:                  newBus(),
		lastDirectedPresence: make(map[string]time.Time),
	}
}

func TestComputeCapsVerIsOrderIndependent(t *testing.T) {
	v1 := computeCapsVer(
		[]Identity{{"client", "bot", "Bot"}, {"client", "pc", "PC"}},
		[]string{"http://jabber.org/protocol/disco#info", "http://jabber.org/protocol/caps"},
	)
	v2 := computeCapsVer(
		[]Identity{{"client", "pc", "PC"}, {"client", "bot", "Bot"}},
		[]string{"http://jabber.org/protocol/caps", "http://jabber.org/protocol/disco#info"},
	)
	require.Equal(t, v1, v2)
}

func TestComputeCapsVerChangesWithDifferentInputs(t *testing.T) {
	v1 := computeCapsVer([]Identity{{"client", "bot", "Bot"}}, nil)
	v2 := computeCapsVer([]Identity{{"client", "pc", "PC"}}, nil)
	require.NotEqual(t, v1, v2)
}

func TestRecomputePrimaryPrefersAvailableOverUnavailable(t *testing.T) {
	ri := &RosterItem{Presences: map[string]Presence{
		"home": {Type: "unavailable", Resource: "home"},
		"work": {Resource: "work", Priority: 1},
	}}
	ri.recomputePrimary("")
	require.Equal(t, "work", ri.Primary.Resource)
}

func TestRecomputePrimaryPrefersPreferredCapsNode(t *testing.T) {
	ri := &RosterItem{Presences: map[string]Presence{
		"a": {Resource: "a", Priority: 10, CapsNode: "other"},
		"b": {Resource: "b", Priority: 1, CapsNode: "coopfox"},
	}}
	ri.recomputePrimary("coopfox")
	require.Equal(t, "b", ri.Primary.Resource)
}

func TestRecomputePrimaryHigherPriorityWins(t *testing.T) {
	ri := &RosterItem{Presences: map[string]Presence{
		"a": {Resource: "a", Priority: 1},
		"b": {Resource: "b", Priority: 5},
	}}
	ri.recomputePrimary("")
	require.Equal(t, "b", ri.Primary.Resource)
}

func TestRecomputePrimaryWithNoPresencesIsUnavailable(t *testing.T) {
	ri := &RosterItem{Presences: map[string]Presence{}}
	ri.recomputePrimary("")
	require.Equal(t, "unavailable", ri.Primary.Type)
}

func TestGetContactReturnsSelfForOwnBareJID(t *testing.T) {
	c := newTestClient()
	got := c.GetContact(jid.MustParse("alice@example.com/phone"), false)
	require.True(t, got.IsSelf)
}

func TestGetContactAutoCreatesTemporaryEntry(t *testing.T) {
	c := newTestClient()
	got := c.GetContact(jid.MustParse("bob@example.com"), false)
	require.True(t, got.Temporary)
	require.Equal(t, "bob@example.com", got.JID.String())

	again := c.GetContact(jid.MustParse("bob@example.com/res"), false)
	require.Same(t, got, again)
}

func TestGetContactSuppressesAutoCreateWhenAsked(t *testing.T) {
	c := newTestClient()
	got := c.GetContact(jid.MustParse("nobody@example.com"), true)
	require.Nil(t, got)
}

func TestDirectedPresenceRateLimited(t *testing.T) {
	c := newTestClient()
	fc := c.clock.(*clock.Fake)
	peer := jid.MustParse("bob@example.com")

	bare := peer.Bare().String()
	c.lastDirectedPresence[bare] = fc.Now()

	c.mu.Lock()
	last := c.lastDirectedPresence[bare]
	now := fc.Now()
	limited := now.Sub(last) < c.opts.DirectedPresenceRateLimit
	c.mu.Unlock()
	require.True(t, limited)

	fc.Advance(6 * time.Second)
	c.mu.Lock()
	now = fc.Now()
	limited = now.Sub(last) < c.opts.DirectedPresenceRateLimit
	c.mu.Unlock()
	require.False(t, limited)
}

func TestBusPublishInvokesAllSubscribers(t *testing.T) {
	b := newBus()
	var got []interface{}
	b.subscribe("x", func(p interface{}) { got = append(got, p) })
	b.subscribe("x", func(p interface{}) { got = append(got, p) })
	b.publish("x", 42)
	require.Len(t, got, 2)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus()
	called := false
	unsub := b.subscribe("x", func(interface{}) { called = true })
	unsub()
	b.publish("x", nil)
	require.False(t, called)
}

func TestBusSurvivesPanickingListener(t *testing.T) {
	b := newBus()
	second := false
	b.subscribe("x", func(interface{}) { panic("boom") })
	b.subscribe("x", func(interface{}) { second = true })
	require.NotPanics(t, func() { b.publish("x", nil) })
	require.True(t, second)
}
