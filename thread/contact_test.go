package thread

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ralfstrobel/coopfox-sub000/jid"
)

func TestContactSendDefaultsToBarePeer(t *testing.T) {
	sender := &fakeSender{self: jid.MustParse("me@example.com")}
	c := NewContact(jid.MustParse("bob@example.com"), sender, nil)

	require.NoError(t, c.Send(jid.JID{}, "hi"))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "bob@example.com", sender.sent[0].To().String())
}

func TestContactSendPrefersFullJIDWhenGiven(t *testing.T) {
	sender := &fakeSender{self: jid.MustParse("me@example.com")}
	c := NewContact(jid.MustParse("bob@example.com"), sender, nil)

	require.NoError(t, c.Send(jid.MustParse("bob@example.com/phone"), "hi"))

	require.Equal(t, "bob@example.com/phone", sender.sent[0].To().String())
}

func TestContactAdoptsIncomingThreadID(t *testing.T) {
	sender := &fakeSender{self: jid.MustParse("me@example.com")}
	c := NewContact(jid.MustParse("bob@example.com"), sender, nil)
	require.Equal(t, syntheticThreadID, c.threadID)

	msg := chatMessage("1", "bob@example.com/phone", "me@example.com", "hi")
	msg.AppendChild(newThreadElement("peer-thread", ""))
	c.ReceiveMessage(msg)

	require.Equal(t, "peer-thread", c.threadID)
}

func TestContactReceiveMessageStoresHistory(t *testing.T) {
	sender := &fakeSender{self: jid.MustParse("me@example.com")}
	c := NewContact(jid.MustParse("bob@example.com"), sender, nil)

	c.ReceiveMessage(chatMessage("1", "bob@example.com/phone", "me@example.com", "hi"))

	require.Len(t, c.getMessages(""), 1)
}
