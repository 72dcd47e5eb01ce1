// Package coopfox implements the wire format of the group-chat extension
// carried inside ordinary XMPP <message> stanzas: a <coopfox xmlns=NS
// timestamp=millis> envelope holding a participant announcement or one of
// a handful of domain payloads. Unknown sub-elements round-trip verbatim,
// since the host may carry payload kinds this module doesn't interpret.
package coopfox

import (
	"strconv"

	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// Action is a participant lifecycle verb.
type Action string

const (
	ActionJoin   Action = "join"
	ActionLeave  Action = "leave"
	ActionReject Action = "reject"
)

// Participant is the <participant> sub-element of an envelope.
type Participant struct {
	JID          jid.JID
	Action       Action
	Participants int  // <thread participants=N>, 0 if absent
	Creator      bool // <thread creator=true|false>
	hasThread    bool
}

// Highlight, Chat, Result and Location are the domain payload kinds the
// core treats as opaque pass-through data beyond the fields needed for
// correlation.
type Highlight struct{ El *xmlutil.Element }
type Chat struct {
	Action string
	ID     string
	El     *xmlutil.Element
}
type Result struct {
	Action string
	ID     string
	El     *xmlutil.Element
}
type Location struct {
	URL     string
	URLHash string
	Icon    string
	Title   string
	Source  string
}

// Envelope is a parsed <coopfox> element.
type Envelope struct {
	Timestamp   int64
	Participant *Participant
	Chat        *Chat
	Result      *Result
	Location    *Location
	Highlight   *Highlight
	Raw         *xmlutil.Element // original element, for unknown sub-elements
}

// Find extracts the <coopfox> envelope from a message stanza's children, if
// present.
func Find(el *xmlutil.Element) *Envelope {
	c := el.ChildNS("coopfox", ns.CoopFox)
	if c == nil {
		return nil
	}
	return Parse(c)
}

// Parse interprets a <coopfox> element.
func Parse(el *xmlutil.Element) *Envelope {
	env := &Envelope{Raw: el}
	if ts, err := strconv.ParseInt(el.AttrOr("timestamp", ""), 10, 64); err == nil {
		env.Timestamp = ts
	}
	if p := el.Child("participant"); p != nil {
		env.Participant = parseParticipant(p)
	}
	if c := el.Child("chat"); c != nil {
		env.Chat = &Chat{Action: c.AttrOr("action", ""), ID: c.AttrOr("id", ""), El: c}
	}
	if r := el.Child("result"); r != nil {
		env.Result = &Result{Action: r.AttrOr("action", ""), ID: r.AttrOr("id", ""), El: r}
	}
	if l := el.Child("location"); l != nil {
		env.Location = &Location{
			URL:     l.AttrOr("url", ""),
			URLHash: l.AttrOr("urlhash", ""),
			Icon:    l.AttrOr("icon", ""),
			Title:   l.AttrOr("title", ""),
			Source:  l.AttrOr("source", ""),
		}
	}
	if h := el.Child("highlight"); h != nil {
		env.Highlight = &Highlight{El: h}
	}
	return env
}

func parseParticipant(p *xmlutil.Element) *Participant {
	out := &Participant{Action: Action(p.AttrOr("action", ""))}
	if j, err := jid.Parse(p.AttrOr("jid", "")); err == nil {
		out.JID = j
	}
	if th := p.Child("thread"); th != nil {
		out.hasThread = true
		if n, err := strconv.Atoi(th.AttrOr("participants", "")); err == nil {
			out.Participants = n
		}
		out.Creator = th.AttrOr("creator", "") == "true"
	}
	return out
}

// NewParticipantEnvelope builds a <coopfox timestamp=ts><participant .../></coopfox>
// element announcing a join/leave/reject action.
func NewParticipantEnvelope(ts int64, peer jid.JID, action Action, participants int, creator bool) *xmlutil.Element {
	env := xmlutil.New("coopfox", ns.CoopFox)
	env.SetAttr("timestamp", strconv.FormatInt(ts, 10))

	p := xmlutil.New("participant", "")
	p.SetAttr("jid", peer.String())
	p.SetAttr("action", string(action))
	if participants > 0 {
		th := xmlutil.New("thread", "")
		th.SetAttr("participants", strconv.Itoa(participants))
		th.SetAttr("creator", strconv.FormatBool(creator))
		p.AppendChild(th)
	}
	env.AppendChild(p)
	return env
}
