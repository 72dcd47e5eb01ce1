// Package ns centralizes the XML namespace constants used across the
// stream, session, client and thread layers.
package ns

const (
	Client  = "jabber:client"
	Server  = "jabber:server"
	Stream  = "http://etherx.jabber.org/streams"
	Streams = "urn:ietf:params:xml:ns:xmpp-streams"
	TLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	SASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	Bind    = "urn:ietf:params:xml:ns:xmpp-bind"
	Session = "urn:ietf:params:xml:ns:xmpp-session"
	Roster  = "jabber:iq:roster"

	DiscoInfo  = "http://jabber.org/protocol/disco#info"
	DiscoItems = "http://jabber.org/protocol/disco#items"
	Caps       = "http://jabber.org/protocol/caps"
	PubSub     = "http://jabber.org/protocol/pubsub"
	PubSubEvt  = "http://jabber.org/protocol/pubsub#event"
	Addresses  = "http://jabber.org/protocol/address"
	Delay      = "urn:xmpp:delay"
	ChatStates = "http://jabber.org/protocol/chatstates"
	Ping       = "urn:xmpp:ping"
	Decloak    = "urn:xmpp:decloak:0"

	// CoopFox is the namespace of the group-chat extension carried inside
	// <message/> stanzas.
	CoopFox = "coopfox"
	// CoopFoxSync is the namespace of the history synchronization iq.
	CoopFoxSync = CoopFox + "/sync"
)
