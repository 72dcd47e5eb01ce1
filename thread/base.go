// Package thread implements the message store and version-chain history
// shared by every thread variant, and the contact, strict and multi-user
// specializations built on top of it.
package thread

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// Sender is the narrow slice of client.Client a thread needs to emit
// messages (with local echo) and know its own identity. Depending on this
// interface rather than *client.Client keeps the thread package testable
// without a live session.
type Sender interface {
	Send(st stanza.Stanza, cb *stanza.Callback) error
	SelfJID() jid.JID
}

// HistoryEntry pairs a stored message with the version computed for its
// position in history.
type HistoryEntry struct {
	Message stanza.Stanza
	Version string
}

// Base implements the message store, timestamp/version-chain bookkeeping,
// and the before/after message events common to every thread variant.
// Thread variants embed it and add routing/addressing rules.
//
// A thread's state is reached from more than one goroutine: the session's
// inbound stanza loop delivers genuinely incoming messages, while direct,
// synchronous calls (a caller driving Send/AddParticipant, or a sync-protocol
// timer firing) can reach the same store concurrently. mu serializes every
// read and write of messages/history/versions/importDepth; it is always
// released before any bus event fires, so a listener calling back into the
// thread never deadlocks against it.
type Base struct {
	sender Sender
	clock  clock.Clock
	bus    *bus

	mu       sync.Mutex
	messages map[string]stanza.Stanza // id -> stored message
	history  []HistoryEntry
	versions map[string]int // version -> index

	importDepth int
}

func newBase(sender Sender, clk clock.Clock) *Base {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Base{
		sender:   sender,
		clock:    clk,
		bus:      newBus(),
		messages: make(map[string]stanza.Stanza),
		versions: make(map[string]int),
	}
}

// On subscribes to a thread event: beforeSendMessage, afterSendMessage,
// incomingMessage, historyRewritten, and the multi-user-specific events
// layered on top.
func (b *Base) On(event string, fn func(interface{})) { b.bus.subscribe(event, fn) }

func (b *Base) emit(event string, payload interface{}) { b.bus.publish(event, payload) }

// sendMessage defaults type="chat", assigns an id if absent, emits
// beforeSendMessage, sends, and emits afterSendMessage. The message is not
// stored here: the client echoes it back locally, and the echo's arrival
// through receiveMessage is the canonical ingest path.
func (b *Base) sendMessage(st stanza.Stanza) error {
	if st.Type() == "" {
		st.SetType("chat")
	}
	if st.ID() == "" {
		st.SetID(uuid.NewString())
	}
	b.emit("beforeSendMessage", st)
	if err := b.sender.Send(st, nil); err != nil {
		return err
	}
	b.emit("afterSendMessage", st)
	return nil
}

// receiveMessage is the canonical ingest path for both echoed outgoing
// messages and genuinely inbound ones.
func (b *Base) receiveMessage(st stanza.Stanza) {
	if st.ID() == "" {
		return
	}
	if st.AttrOr("$from", "") == "" {
		st.SetAttr("$from", st.From().String())
	}
	if st.AttrOr("$to", "") == "" {
		to := st.To()
		if to.IsZero() {
			to = b.sender.SelfJID()
		}
		st.SetAttr("$to", to.String())
	}
	b.stampTimestamp(st)

	if isPersistent(st) {
		b.storeAndNotify(st)
	}

	b.emit("beforeIncomingMessage", st)
	b.emit("incomingMessage", st)
	b.emit("afterIncomingMessage", st)
}

func (b *Base) stampTimestamp(st stanza.Stanza) {
	if v := st.AttrOr("$timestamp", ""); v != "" {
		return
	}
	if delay := st.ChildNS("delay", ns.Delay); delay != nil {
		if stamp, err := time.Parse(time.RFC3339, delay.AttrOr("stamp", "")); err == nil {
			st.SetAttr("$timestamp", strconv.FormatInt(stamp.UnixMilli(), 10))
			return
		}
	}
	st.SetAttr("$timestamp", strconv.FormatInt(b.clock.Now().UnixMilli(), 10))
}

// isPersistent reports whether st qualifies for storage: a chat message
// containing at least one non-thread, non-addresses, non-delay subtree
// with text or a nested element.
func isPersistent(st stanza.Stanza) bool {
	if st.Type() != "chat" {
		return false
	}
	for _, c := range st.Children {
		switch c.Name {
		case "thread", "addresses", "delay":
			continue
		}
		if c.Text != "" || len(c.Children) > 0 {
			return true
		}
	}
	return false
}

// storeAndNotify inserts or merges st into the message store, then
// renormalizes history. historyRewritten fires only when the relative
// order of previously stored messages changes; a new message simply
// appended at the tail is not a rewrite.
func (b *Base) storeAndNotify(st stanza.Stanza) {
	b.mu.Lock()
	before := b.orderedIDsLocked()
	_, alreadyKnown := b.messages[st.ID()]
	b.storeLocked(st)
	rewritten := false
	if b.importDepth == 0 {
		b.normalizeLocked()
		isNew := map[string]bool{}
		if !alreadyKnown {
			isNew[st.ID()] = true
		}
		rewritten = reordered(before, b.orderedIDsLocked(), isNew)
	}
	b.mu.Unlock()
	if rewritten {
		b.emit("historyRewritten", nil)
	}
}

// reordered reports whether normalization placed any newly stored id
// (isNew) somewhere other than the tail, or disturbed the relative order
// of ids that were already known. A message that simply sorts after
// everything already stored is ordinary growth, not a rewrite.
func reordered(before, after []string, isNew map[string]bool) bool {
	want := len(after) - len(isNew)
	if want < 0 || want != len(before) {
		return true
	}
	for i := 0; i < want; i++ {
		if after[i] != before[i] {
			return true
		}
	}
	for _, id := range after[want:] {
		if !isNew[id] {
			return true
		}
	}
	return false
}

// storeLocked assumes mu is held.
func (b *Base) storeLocked(st stanza.Stanza) {
	id := st.ID()
	if existing, ok := b.messages[id]; ok {
		// Duplicate id: the lower of the two timestamps wins, keeping sort
		// order deterministic across peers.
		if tsOf(st) < tsOf(existing) {
			existing.SetAttr("$timestamp", st.AttrOr("$timestamp", ""))
		}
		return
	}
	b.messages[id] = st
	b.history = append(b.history, HistoryEntry{Message: st})
}

// orderedIDsLocked assumes mu is held.
func (b *Base) orderedIDsLocked() []string {
	ids := make([]string, len(b.history))
	for i, e := range b.history {
		ids[i] = e.Message.ID()
	}
	return ids
}

// normalizeLocked sorts history by (timestamp asc, id asc) and recomputes
// the md5 version chain. It assumes mu is held.
func (b *Base) normalizeLocked() {
	sort.SliceStable(b.history, func(i, j int) bool {
		ti, tj := tsOf(b.history[i].Message), tsOf(b.history[j].Message)
		if ti != tj {
			return ti < tj
		}
		return b.history[i].Message.ID() < b.history[j].Message.ID()
	})
	b.versions = make(map[string]int, len(b.history))
	prev := ""
	for i := range b.history {
		sum := md5.Sum([]byte(prev + b.history[i].Message.ID()))
		v := hex.EncodeToString(sum[:])
		b.history[i].Version = v
		b.versions[v] = i
		prev = v
	}
}

// getMessages returns the ordered tail of history after sinceVersion, or
// every stored message if sinceVersion is empty or unknown.
func (b *Base) getMessages(sinceVersion string) []stanza.Stanza {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getMessagesLocked(sinceVersion)
}

func (b *Base) getMessagesLocked(sinceVersion string) []stanza.Stanza {
	start := 0
	if sinceVersion != "" {
		if idx, ok := b.versions[sinceVersion]; ok {
			start = idx + 1
		}
	}
	if start >= len(b.history) {
		return nil
	}
	out := make([]stanza.Stanza, 0, len(b.history)-start)
	for _, e := range b.history[start:] {
		out = append(out, e.Message)
	}
	return out
}

// hasVersion reports whether v names a known position in the version
// chain (or is the empty "no baseline" version).
func (b *Base) hasVersion(v string) bool {
	if v == "" {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.versions[v]
	return ok
}

// getMessagesCapped is getMessages bounded to at most limit entries. It
// also reports the version of the last entry actually included (so the
// caller can tell a peer where it stopped) and whether more history
// remains beyond that point.
func (b *Base) getMessagesCapped(sinceVersion string, limit int) (msgs []stanza.Stanza, lastVersion string, more bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if sinceVersion != "" {
		if idx, ok := b.versions[sinceVersion]; ok {
			start = idx + 1
		}
	}
	if start >= len(b.history) {
		return nil, b.latestVersionLocked(), false
	}
	end := len(b.history)
	if end-start > limit {
		end = start + limit
	}
	out := make([]stanza.Stanza, 0, end-start)
	for _, e := range b.history[start:end] {
		out = append(out, e.Message)
	}
	last := b.latestVersionLocked()
	if end > start {
		last = b.history[end-1].Version
	} else if sinceVersion != "" {
		last = sinceVersion
	}
	return out, last, end < len(b.history)
}

// latestVersion returns the version of the most recent history entry, or
// "" if history is empty.
func (b *Base) latestVersion() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestVersionLocked()
}

func (b *Base) latestVersionLocked() string {
	if len(b.history) == 0 {
		return ""
	}
	return b.history[len(b.history)-1].Version
}

// importMessages merges list into history, suppressing per-message
// normalization until the outermost import completes. Imports are
// idempotent by id, so re-importing an already-stored message changes
// nothing except keeping the lower of the two timestamps. quiet suppresses the historyRewritten notification, for bulk
// catch-up imports (e.g. the initial sync flurry) where emitting one event
// per pull would just spam observers that only care once settled.
func (b *Base) importMessages(list []stanza.Stanza, replace bool, quiet bool) {
	b.mu.Lock()
	b.importDepth++
	if replace {
		b.messages = make(map[string]stanza.Stanza)
		b.history = nil
		b.versions = make(map[string]int)
	}
	before := b.orderedIDsLocked()
	isNew := map[string]bool{}
	for _, st := range list {
		if _, ok := b.messages[st.ID()]; !ok {
			isNew[st.ID()] = true
		}
		b.stampTimestamp(st)
		b.storeLocked(st)
	}
	b.importDepth--
	rewritten := false
	if b.importDepth == 0 {
		b.normalizeLocked()
		rewritten = !quiet && reordered(before, b.orderedIDsLocked(), isNew)
	}
	b.mu.Unlock()
	if rewritten {
		b.emit("historyRewritten", nil)
	}
}

// shiftAllTimestampsLocked adds delta milliseconds to every stored
// message's timestamp, preserving relative ordering. It assumes mu is
// held.
func (b *Base) shiftAllTimestampsLocked(delta int64) {
	for _, e := range b.history {
		e.Message.SetAttr("$timestamp", strconv.FormatInt(tsOf(e.Message)+delta, 10))
	}
}

func tsOf(st stanza.Stanza) int64 {
	v := st.AttrOr("$timestamp", "")
	if v == "" {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// bodyElement is a small helper the thread variants use to build a plain
// text message body.
func bodyElement(text string) *xmlutil.Element {
	el := xmlutil.New("body", "")
	el.Text = text
	return el
}

// newThreadElement builds a <thread> element, optionally declaring parent
// as the id of the thread this one was registered as a subthread of.
func newThreadElement(id, parent string) *xmlutil.Element {
	el := xmlutil.New("thread", "")
	el.Text = id
	if parent != "" {
		el.SetAttr("parent", parent)
	}
	return el
}
