// Package client implements the domain layer on top of a negotiated
// session: roster lifecycle, presence/primary-resource selection, entity
// capabilities, pub-sub event delivery, stanza validation and outgoing
// multicast. Dispatch runs through a small typed event bus, since this
// layer must fan one inbound stanza out to several independent observers
// (roster UI, the thread hub, pub-sub subscribers) rather than to one
// handler.
package client

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/session"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// Presence is one resource's advertised availability.
type Presence struct {
	Type     string // "" means available
	Show     string
	Status   string
	Priority int8
	Resource string
	CapsNode string
	CapsVer  string
}

// Available reports whether this presence means the resource is reachable.
func (p Presence) Available() bool { return p.Type == "" }

// RosterItem is one contact in the roster.
type RosterItem struct {
	JID          jid.JID
	DisplayName  string
	Subscription string
	Presences    map[string]Presence
	Primary      Presence
	Temporary    bool
	IsSelf       bool
}

// recomputePrimary picks the primary presence by total order: available
// beats unavailable; a preferred capsNode wins; higher priority wins;
// stable otherwise.
func (r *RosterItem) recomputePrimary(preferredCapsNode string) {
	var best *Presence
	for res := range r.Presences {
		p := r.Presences[res]
		if best == nil || better(p, *best, preferredCapsNode) {
			pp := p
			best = &pp
		}
	}
	if best == nil {
		r.Primary = Presence{Type: "unavailable"}
		return
	}
	r.Primary = *best
}

func better(a, b Presence, preferredCapsNode string) bool {
	if a.Available() != b.Available() {
		return a.Available()
	}
	if preferredCapsNode != "" && (a.CapsNode == preferredCapsNode) != (b.CapsNode == preferredCapsNode) {
		return a.CapsNode == preferredCapsNode
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return false
}

// ServerInfo is the frozen set of capabilities discovered at session-active
// time.
type ServerInfo struct {
	SASLMechanisms map[string]bool
	RequireTLS     bool
	RequireBind    bool
	RequireSession bool
	Identities     map[string]map[string]string // category -> type -> name
	Features       map[string]bool
}

// Identity is one entity-capabilities identity triple.
type Identity struct {
	Category, Type, Name string
}

// Options configures a Client via the module's functional-options idiom.
type Options struct {
	Identities        []Identity
	Features          []string
	PreferredCapsNode string
	CapsNode          string
	RosterQuiescence  time.Duration // default 500ms
	DirectedPresenceRateLimit time.Duration // default 5s
	Clock             clock.Clock
}

// Option mutates Options.
type Option func(*Options)

func WithIdentity(category, typ, name string) Option {
	return func(o *Options) { o.Identities = append(o.Identities, Identity{category, typ, name}) }
}
func WithFeature(feature string) Option {
	return func(o *Options) { o.Features = append(o.Features, feature) }
}
func WithPreferredCapsNode(node string) Option {
	return func(o *Options) { o.PreferredCapsNode = node }
}
func WithCapsNode(node string) Option { return func(o *Options) { o.CapsNode = node } }

func defaultOptions() Options {
	return Options{
		RosterQuiescence:          500 * time.Millisecond,
		DirectedPresenceRateLimit: 5 * time.Second,
	}
}

// Client is the domain layer over a negotiated session.Session.
type Client struct {
	mu      sync.Mutex
	sess    *session.Session
	opts    Options
	clock   clock.Clock
	info    ServerInfo
	roster  map[string]*RosterItem // keyed by bare jid string
	self    *RosterItem
	capsVer string

	bus *bus

	lastDirectedPresence map[string]time.Time

	quiescenceTimer clock.Timer
	online          bool
}

// New wraps an already-negotiated session with the domain layer.
func New(sess *session.Session, opt ...Option) *Client {
	opts := defaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	self := &RosterItem{
		JID:       sess.LocalAddr().Bare(),
		IsSelf:    true,
		Presences: make(map[string]Presence),
	}
	cl := &Client{
		sess:                 sess,
		opts:                 opts,
		clock:                c,
		roster:               make(map[string]*RosterItem),
		self:                 self,
		bus:                  newBus(),
		lastDirectedPresence: make(map[string]time.Time),
	}
	cl.capsVer = computeCapsVer(opts.Identities, opts.Features)
	return cl
}

// On registers a listener for a named event and returns an unsubscribe
// token.
func (c *Client) On(event string, fn func(interface{})) func() {
	return c.bus.subscribe(event, fn)
}

func (c *Client) emit(event string, payload interface{}) {
	c.bus.publish(event, payload)
}

// computeCapsVer implements XEP-0115's verification string: identities as
// "cat/type//name<", features as "feature<", each set sorted, concatenated,
// sha-1'd, base64'd.
func computeCapsVer(identities []Identity, features []string) string {
	idStrs := make([]string, len(identities))
	for i, id := range identities {
		idStrs[i] = fmt.Sprintf("%s/%s//%s<", id.Category, id.Type, id.Name)
	}
	sort.Strings(idStrs)
	featStrs := append([]string(nil), features...)
	sort.Strings(featStrs)

	var s strings.Builder
	for _, v := range idStrs {
		s.WriteString(v)
	}
	for _, f := range featStrs {
		s.WriteString(f)
		s.WriteByte('<')
	}
	sum := sha1.Sum([]byte(s.String()))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Start requests the roster and sends initial presence, then runs the
// inbound stanza pump until reading from the session fails; callers
// typically run this in its own goroutine.
func (c *Client) Start() error {
	if err := c.requestRoster(); err != nil {
		return err
	}
	if err := c.SendPresence(Presence{}); err != nil {
		return err
	}
	c.armQuiescence()

	for {
		st, err := c.sess.NextStanza()
		if err != nil {
			return err
		}
		c.dispatch(st)
	}
}

func (c *Client) armQuiescence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quiescenceTimer != nil {
		c.quiescenceTimer.Stop()
	}
	c.quiescenceTimer = c.clock.NewTimer(c.opts.RosterQuiescence)
	timer := c.quiescenceTimer
	go func() {
		if _, ok := <-timer.C(); ok {
			c.mu.Lock()
			already := c.online
			c.online = true
			c.mu.Unlock()
			if !already {
				c.emit("clientOnline", nil)
			}
		}
	}()
}

func (c *Client) requestRoster() error {
	iq := stanza.New(stanza.IQ)
	iq.SetID(uuid.NewString())
	iq.SetType("get")
	iq.AppendChild(xmlutil.New("query", ns.Roster))

	done := make(chan error, 1)
	cb := stanza.NewCallback(iq, c.clock.Now(), func(resp stanza.Stanza) {
		c.mergeRosterResult(resp)
		done <- nil
	}, func(resp stanza.Stanza) {
		stErr, _ := stanza.ErrorFrom(resp)
		done <- stErr
	})
	if err := c.sess.Send(iq, cb); err != nil {
		return err
	}
	// Pull stanzas off the wire until the roster result (or error) arrives;
	// NextStanza resolves it against cb as a side effect, but still returns
	// it here so any stanza that happens to race ahead of it is dispatched
	// rather than dropped.
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		st, err := c.sess.NextStanza()
		if err != nil {
			return err
		}
		c.dispatch(st)
		select {
		case err := <-done:
			return err
		default:
		}
	}
}

func (c *Client) mergeRosterResult(resp stanza.Stanza) {
	q := resp.Child("query")
	if q == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range q.ChildrenNamed("item") {
		c.mergeRosterItemLocked(item)
	}
}

func (c *Client) mergeRosterItemLocked(item *xmlutil.Element) {
	j, err := jid.FromString(item.AttrOr("jid", ""))
	if err != nil {
		return
	}
	bare := j.Bare().String()
	sub := item.AttrOr("subscription", "")
	if sub == "remove" {
		if ri, ok := c.roster[bare]; ok {
			ri.Presences = map[string]Presence{"": {Type: "unavailable"}}
			ri.recomputePrimary(c.opts.PreferredCapsNode)
			c.emit("rosterItemUpdate", rosterEvent{Item: ri, Reason: "remove"})
			delete(c.roster, bare)
		}
		return
	}
	ri, ok := c.roster[bare]
	if !ok {
		ri = &RosterItem{JID: j.Bare(), Presences: make(map[string]Presence)}
		c.roster[bare] = ri
	}
	ri.DisplayName = item.AttrOr("name", "")
	ri.Subscription = sub
	ri.Temporary = false
	c.emit("rosterItemUpdate", rosterEvent{Item: ri, Reason: "update"})
}

type rosterEvent struct {
	Item   *RosterItem
	Reason string
}

// GetContact returns the roster entry for j, auto-creating a temporary
// entry for unknown JIDs unless suppressed, and returning the distinguished
// self entry when j is our own bare JID.
func (c *Client) GetContact(j jid.JID, suppressAutoCreate bool) *RosterItem {
	bare := j.Bare()
	c.mu.Lock()
	defer c.mu.Unlock()
	if bare.Equal(c.self.JID) {
		return c.self
	}
	key := bare.String()
	if ri, ok := c.roster[key]; ok {
		return ri
	}
	if suppressAutoCreate {
		return nil
	}
	ri := &RosterItem{JID: bare, Temporary: true, Presences: make(map[string]Presence)}
	c.roster[key] = ri
	return ri
}

// SendPresence broadcasts presence, stamping the entity-capabilities
// attributes unless p.Type indicates a "special" (non-available/unavailable
// directed) presence.
func (c *Client) SendPresence(p Presence) error {
	el := stanza.New(stanza.Presence)
	if p.Type != "" {
		el.SetType(p.Type)
	}
	if p.Show != "" {
		show := xmlutil.New("show", "")
		show.Text = p.Show
		el.AppendChild(show)
	}
	if p.Status != "" {
		status := xmlutil.New("status", "")
		status.Text = p.Status
		el.AppendChild(status)
	}
	if p.Type == "" || p.Type == "unavailable" {
		caps := xmlutil.New("c", ns.Caps)
		caps.SetAttr("node", c.opts.CapsNode)
		caps.SetAttr("hash", "sha-1")
		caps.SetAttr("ver", c.capsVer)
		el.AppendChild(caps)
	}
	return c.sess.Send(el, nil)
}

// DirectedPresence sends presence specifically to peer, rate-limited to
// once per DirectedPresenceRateLimit per peer bare JID.
func (c *Client) DirectedPresence(peer jid.JID) error {
	bare := peer.Bare().String()
	c.mu.Lock()
	last, ok := c.lastDirectedPresence[bare]
	now := c.clock.Now()
	if ok && now.Sub(last) < c.opts.DirectedPresenceRateLimit {
		c.mu.Unlock()
		return nil
	}
	c.lastDirectedPresence[bare] = now
	c.mu.Unlock()

	el := stanza.New(stanza.Presence)
	el.SetTo(peer)
	return c.sess.Send(el, nil)
}

// dispatch routes one inbound stanza: validates it, updates roster/presence
// state for presence stanzas, answers disco-info, delivers pub-sub events,
// and otherwise fans it out as an "incomingMessage"/"iq"/"presence" event.
func (c *Client) dispatch(st stanza.Stanza) {
	switch st.Kind() {
	case stanza.Presence:
		c.handlePresence(st)
	case stanza.IQ:
		c.handleIQ(st)
	case stanza.Message:
		c.handleMessage(st)
	}
}

func (c *Client) handlePresence(st stanza.Stanza) {
	from := st.From()
	if from.IsZero() {
		return
	}
	bare := from.Bare()
	ri := c.GetContact(bare, false)

	c.mu.Lock()
	p := Presence{Type: st.Type(), Resource: from.Resourcepart()}
	if showEl := st.Child("show"); showEl != nil {
		p.Show = showEl.Text
	}
	if statusEl := st.Child("status"); statusEl != nil {
		p.Status = statusEl.Text
	}
	if capsEl := st.ChildNS("c", ns.Caps); capsEl != nil {
		p.CapsNode = capsEl.AttrOr("node", "")
		p.CapsVer = capsEl.AttrOr("ver", "")
	}
	if p.Type == "unavailable" || p.Type == "" {
		if p.Type == "unavailable" {
			delete(ri.Presences, p.Resource)
		} else {
			ri.Presences[p.Resource] = p
		}
		ri.recomputePrimary(c.opts.PreferredCapsNode)
	}
	c.mu.Unlock()

	c.emit("rosterItemUpdate", rosterEvent{Item: ri, Reason: "presence"})
	c.armQuiescence()
}

func (c *Client) handleIQ(st stanza.Stanza) {
	if st.Type() == "result" || st.Type() == "error" {
		return // resolved via the callback store in session.NextStanza
	}
	if q := st.ChildNS("query", ns.DiscoInfo); q != nil {
		c.replyDiscoInfo(st)
		return
	}
	c.emit("iq", st)
}

func (c *Client) replyDiscoInfo(req stanza.Stanza) {
	resp := stanza.New(stanza.IQ)
	resp.SetID(req.ID())
	resp.SetTo(req.From())
	resp.SetType("result")
	q := xmlutil.New("query", ns.DiscoInfo)
	for _, id := range c.opts.Identities {
		idEl := xmlutil.New("identity", "")
		idEl.SetAttr("category", id.Category).SetAttr("type", id.Type).SetAttr("name", id.Name)
		q.AppendChild(idEl)
	}
	for _, f := range c.opts.Features {
		fEl := xmlutil.New("feature", "")
		fEl.SetAttr("var", f)
		q.AppendChild(fEl)
	}
	resp.AppendChild(q)
	_ = c.sess.Send(resp, nil)
}

func (c *Client) handleMessage(st stanza.Stanza) {
	if evt := st.ChildNS("event", ns.PubSubEvt); evt != nil {
		c.handlePubSubEvent(st, evt)
		return
	}
	c.emit("incomingMessage", st)
}

func (c *Client) handlePubSubEvent(st stanza.Stanza, evt *xmlutil.Element) {
	items := evt.Child("items")
	if items == nil {
		return
	}
	node := items.AttrOr("node", "")
	from := st.From().Bare()
	c.emit(node, pubSubEvent{From: from, Items: items.ChildrenNamed("item")})
}

type pubSubEvent struct {
	From  jid.JID
	Items []*xmlutil.Element
}

// Publish publishes item to node on our own pub-sub node (PEP).
func (c *Client) Publish(node string, item *xmlutil.Element) error {
	iq := stanza.New(stanza.IQ)
	iq.SetID(uuid.NewString())
	iq.SetType("set")
	pubsub := xmlutil.New("pubsub", ns.PubSub)
	publish := xmlutil.New("publish", "")
	publish.SetAttr("node", node)
	wrapped := xmlutil.New("item", "")
	wrapped.AppendChild(item)
	publish.AppendChild(wrapped)
	pubsub.AppendChild(publish)
	iq.AppendChild(pubsub)
	return c.sess.Send(iq, nil)
}

// Send validates and submits a stanza: rejects invalid type values and
// non-JID `to`, auto-adds own full JID as `from` and a random id when
// missing.
func (c *Client) Send(st stanza.Stanza, cb *stanza.Callback) error {
	if st.ID() == "" {
		st.SetID(uuid.NewString())
	}
	if st.From().IsZero() {
		st.SetFrom(c.sess.LocalAddr())
	}
	if err := st.ValidateType(); err != nil {
		return err
	}
	if st.To().IsZero() && st.AttrOr("to", "") != "" {
		return fmt.Errorf("client: invalid to attribute %q", st.AttrOr("to", ""))
	}
	if err := c.sess.Send(st, cb); err != nil {
		return err
	}
	if st.Kind() == stanza.Message && st.AttrOr("$noEcho", "") != "true" {
		c.echo(st)
	}
	return nil
}

// echo re-dispatches an outgoing message locally with a transient
// $isEcho marker so upper layers observe a single history. A sender may
// suppress this via the $noEcho attribute for transient control messages
// it never wants to see ingested locally (e.g. a leave announcement).
func (c *Client) echo(st stanza.Stanza) {
	echoed := st.Clone()
	echoed.SetAttr("$isEcho", "true")
	c.emit("incomingMessage", echoed)
}

// SendMulticast expands or forwards a message carrying an XEP-0033
// <addresses> subtree. If the server advertises the multicast feature, it
// forwards once with to=own hostname; otherwise it emulates by
// duplicating per recipient.
func (c *Client) SendMulticast(st stanza.Stanza, recipients []jid.JID) error {
	if len(recipients) == 0 {
		return c.Send(st, nil)
	}
	addresses := xmlutil.New("addresses", ns.Addresses)
	for _, r := range recipients {
		a := xmlutil.New("address", "")
		a.SetAttr("type", "to").SetAttr("jid", r.String())
		addresses.AppendChild(a)
	}

	c.mu.Lock()
	serverSupportsMulticast := c.info.Features[ns.Addresses]
	hostname := c.self.JID.Domainpart()
	c.mu.Unlock()

	if serverSupportsMulticast {
		dup := st.Clone()
		dup.RemoveAttr("to")
		dup.SetTo(jid.MustParse(hostname))
		dup.AppendChild(addresses)
		return c.Send(dup, nil)
	}

	for _, r := range recipients {
		dup := st.Clone()
		dup.SetTo(r)
		dup.AppendChild(addresses.Clone())
		if err := c.Send(dup, nil); err != nil {
			return err
		}
	}
	return nil
}

// Self returns the distinguished roster entry representing our own
// identity.
func (c *Client) Self() *RosterItem { return c.self }

// SelfJID returns our own bare JID, satisfying thread.Sender.
func (c *Client) SelfJID() jid.JID { return c.self.JID }

// Close tears down the underlying session, which causes Start's blocking
// read loop to return an error and exit.
func (c *Client) Close() {
	c.mu.Lock()
	if c.quiescenceTimer != nil {
		c.quiescenceTimer.Stop()
	}
	c.mu.Unlock()
	c.sess.Close()
}

// ServerInfo returns the frozen server capability set.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SetServerInfo stores the server capabilities that ServerInfo reports.
// Nothing in this module calls it (the handshake sends no service-discovery
// query), so ServerInfo stays empty until a caller sets it.
func (c *Client) SetServerInfo(info ServerInfo) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
}
