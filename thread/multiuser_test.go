package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/coopfox"
	"github.com/ralfstrobel/coopfox-sub000/jid"
)

func newTestMultiUser() (*MultiUser, *fakeSender) {
	self := jid.MustParse("me@example.com")
	host := jid.MustParse("example.com")
	sender := &fakeSender{self: self}
	m := NewMultiUser("t-1", self, host, sender, nil, nil)
	return m, sender
}

func TestObserveSenderTransitionsAddedContactedOnlineToActive(t *testing.T) {
	peer := jid.MustParse("bob@example.com")
	for _, start := range []ParticipantStatus{StatusAdded, StatusContacted, StatusOnline, StatusUnknown} {
		m, _ := newTestMultiUser()
		if start != StatusUnknown {
			m.setStatus(peer, start)
		}
		m.ObserveSender(peer)
		require.Equal(t, StatusActive, m.Status(peer))
	}
}

func TestObserveRecipientMarksUnknownAsContacted(t *testing.T) {
	m, _ := newTestMultiUser()
	peer := jid.MustParse("bob@example.com")

	m.ObserveRecipient(peer)
	require.Equal(t, StatusContacted, m.Status(peer))

	// Already-active peers are left alone.
	m.setStatus(peer, StatusActive)
	m.ObserveRecipient(peer)
	require.Equal(t, StatusActive, m.Status(peer))
}

func TestHandlePresenceAvailableTransitions(t *testing.T) {
	peer := jid.MustParse("bob@example.com")
	for _, start := range []ParticipantStatus{StatusInactive, StatusOffline, StatusContacted} {
		m, _ := newTestMultiUser()
		m.setStatus(peer, start)
		m.HandlePresence(peer, true)
		require.Equal(t, StatusActive, m.Status(peer))
	}

	m, _ := newTestMultiUser()
	m.HandlePresence(peer, true)
	require.Equal(t, StatusOnline, m.Status(peer))
}

func TestHandlePresenceUnavailableMarksActiveAsInactive(t *testing.T) {
	m, _ := newTestMultiUser()
	peer := jid.MustParse("bob@example.com")
	m.setStatus(peer, StatusActive)

	m.HandlePresence(peer, false)
	require.Equal(t, StatusInactive, m.Status(peer))

	// Non-active peers are unaffected by unavailability.
	m.setStatus(peer, StatusOnline)
	m.HandlePresence(peer, false)
	require.Equal(t, StatusOnline, m.Status(peer))
}

func TestAddParticipantRejectsUnknownStatus(t *testing.T) {
	m, _ := newTestMultiUser()
	err := m.AddParticipant(jid.MustParse("bob@example.com"))
	require.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestAddParticipantReinvitesInactiveDirectly(t *testing.T) {
	m, sender := newTestMultiUser()
	peer := jid.MustParse("bob@example.com")
	m.setStatus(peer, StatusInactive)

	require.NoError(t, m.AddParticipant(peer))
	require.Equal(t, StatusAdded, m.Status(peer))

	require.Len(t, sender.sent, 1)
	st := sender.sent[0]
	require.Equal(t, "headline", st.Type())
	require.True(t, st.To().EqualBare(peer))
}

func TestAddParticipantMulticastsWhenOnlineAndResolvable(t *testing.T) {
	self := jid.MustParse("me@example.com")
	host := jid.MustParse("example.com")
	sender := &fakeSender{self: self}
	peer := jid.MustParse("bob@example.com")
	full := jid.MustParse("bob@example.com/phone")
	resolve := func(j jid.JID) (jid.JID, bool) {
		if j.EqualBare(peer) {
			return full, true
		}
		return jid.JID{}, false
	}
	m := NewMultiUser("t-1", self, host, sender, nil, resolve)
	m.setStatus(peer, StatusOnline)

	require.NoError(t, m.AddParticipant(peer))
	require.Len(t, sender.sent, 1)
	st := sender.sent[0]
	require.Equal(t, "normal", st.Type())
	require.True(t, st.To().EqualBare(host))
	addrs := st.Child("addresses")
	require.NotNil(t, addrs)
	require.Equal(t, full.String(), addrs.Child("address").AttrOr("jid", ""))
}

func TestAddParticipantUnaddressedWhenNothingResolves(t *testing.T) {
	m, sender := newTestMultiUser()
	peer := jid.MustParse("bob@example.com")
	m.setStatus(peer, StatusOnline)

	require.NoError(t, m.AddParticipant(peer))
	require.Len(t, sender.sent, 1)
	require.True(t, sender.sent[0].To().IsZero())
	require.Nil(t, sender.sent[0].Child("addresses"))
}

func TestApplyParticipantActionJoinRecordsJoinOrderOnce(t *testing.T) {
	m, _ := newTestMultiUser()
	peer := jid.MustParse("bob@example.com")

	var orders [][]jid.JID
	m.On("participantJoinOrderChange", func(v interface{}) {
		orders = append(orders, v.([]jid.JID))
	})

	m.applyParticipantAction(coopfox.Participant{JID: peer, Action: coopfox.ActionJoin}, peer)
	m.applyParticipantAction(coopfox.Participant{JID: peer, Action: coopfox.ActionJoin}, peer)

	require.Equal(t, StatusActive, m.Status(peer))
	require.Len(t, orders, 1)
	require.Equal(t, []jid.JID{peer.Bare()}, m.JoinOrder())
}

func TestSyncThreadTimeOffsetNeverDecreases(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)
	self := jid.MustParse("me@example.com")
	host := jid.MustParse("example.com")
	sender := &fakeSender{self: self}
	m := NewMultiUser("t-1", self, host, sender, fc, nil)

	var corrections int
	m.On("threadTimeCorrected", func(interface{}) { corrections++ })

	now := m.ThreadTime()
	m.syncThreadTime(now + 5000)
	require.Equal(t, 1, corrections)
	corrected := m.ThreadTime()
	require.Greater(t, corrected, now)

	// A timestamp at or behind the now-corrected clock never moves it back.
	m.syncThreadTime(corrected - 1000)
	require.Equal(t, 1, corrections)
	require.Equal(t, corrected, m.ThreadTime())
}

func TestReceiveMessageAppliesCoopfoxJoinEnvelope(t *testing.T) {
	m, _ := newTestMultiUser()
	peer := jid.MustParse("bob@example.com")

	msg := chatMessage("1", peer.String(), "me@example.com", "hi")
	msg.AppendChild(newThreadElement("t-1", ""))
	msg.AppendChild(coopfox.NewParticipantEnvelope(m.ThreadTime(), peer, coopfox.ActionJoin, 2, false))

	m.ReceiveMessage(msg)

	require.Equal(t, StatusActive, m.Status(peer))
	require.Len(t, m.getMessages(""), 1)
}

func TestDestroySendsNoEchoLeaveAnnouncement(t *testing.T) {
	m, sender := newTestMultiUser()

	require.NoError(t, m.Destroy(""))

	require.Len(t, sender.sent, 1)
	st := sender.sent[0]
	require.Equal(t, "headline", st.Type())
	require.Equal(t, "true", st.AttrOr("$noEcho", ""))
	env := coopfox.Find(st.Element)
	require.NotNil(t, env)
	require.NotNil(t, env.Participant)
	require.Equal(t, coopfox.ActionLeave, env.Participant.Action)
}

func TestDestroyRejectUsesRejectAction(t *testing.T) {
	m, sender := newTestMultiUser()

	require.NoError(t, m.Destroy("reject"))

	env := coopfox.Find(sender.sent[0].Element)
	require.Equal(t, coopfox.ActionReject, env.Participant.Action)
}

func TestDestroyReloadSuppressesAnnouncement(t *testing.T) {
	m, sender := newTestMultiUser()

	require.NoError(t, m.Destroy("reload"))

	require.Empty(t, sender.sent)
}
