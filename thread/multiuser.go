package thread

import (
	"errors"
	"sync"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/coopfox"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// ParticipantStatus is a node in the participant lifecycle state machine.
type ParticipantStatus string

const (
	StatusUnknown   ParticipantStatus = "unknown"
	StatusContacted ParticipantStatus = "contacted"
	StatusOnline    ParticipantStatus = "online"
	StatusAdded     ParticipantStatus = "added"
	StatusActive    ParticipantStatus = "active"
	StatusInactive  ParticipantStatus = "inactive"
	StatusRejected  ParticipantStatus = "rejected"
	StatusOffline   ParticipantStatus = "offline"
	StatusSelf      ParticipantStatus = "self"
)

// ErrInvalidParticipant is returned by AddParticipant when peer's current
// status doesn't permit inviting it: only online, rejected, or inactive
// participants can be (re-)added. Whether an inactive participant is
// currently available is not checked.
var ErrInvalidParticipant = errors.New("thread: participant cannot be added in its current status")

// syncWatchdog is the per-pull timeout in milliseconds. The sync code arms
// its timer from syncWatchdogDelay, which holds the same 10 s as a duration.
const syncWatchdog = 10_000 // ms

// PreferredResolver resolves peer's preferred coopfox-capable full JID
// (the resource whose capsNode matches the configured preferred node). It
// reports false when no such resource is currently known.
type PreferredResolver func(peer jid.JID) (jid.JID, bool)

// ThreadTimeCorrected is the payload of the threadTimeCorrected event.
type ThreadTimeCorrected struct {
	Delta int64
	Now   int64
}

// MultiUser is the core of the core: a Strict thread carrying participant
// negotiation, a logical clock reconciled across peers, and a history
// synchronization protocol.
type MultiUser struct {
	*Strict

	self     jid.JID
	hostname jid.JID
	resolve  PreferredResolver

	// participants, joinOrder and threadOffset are guarded by the embedded
	// Base's mu (promoted as m.mu): they are read and mutated both by
	// direct calls and by timer/iq callbacks running on other goroutines.
	participants map[string]ParticipantStatus // bare jid string -> status
	joinOrder    []jid.JID

	threadOffset int64 // ms added to wall clock to produce thread time

	// iqMu guards iqSource and every field below it: the sync protocol's
	// own bookkeeping, distinct from the message/participant state above.
	iqMu              sync.Mutex
	iqSource          IQSource
	syncQueue         []jid.JID
	syncInProgress    bool
	syncWatchdogTimer clock.Timer
	syncLowFreqTimer  clock.Timer
	syncDisabledCount int
	initialSyncDone   bool
}

// NewMultiUser creates a MultiUser thread owned by id, representing self,
// addressing multicast messages to hostname (own server), and resolving
// per-peer preferred resources through resolve.
func NewMultiUser(id string, self, hostname jid.JID, sender Sender, clk clock.Clock, resolve PreferredResolver) *MultiUser {
	if resolve == nil {
		resolve = func(jid.JID) (jid.JID, bool) { return jid.JID{}, false }
	}
	m := &MultiUser{
		Strict:       NewStrict(id, sender, clk),
		self:         self.Bare(),
		hostname:     hostname,
		resolve:      resolve,
		participants: make(map[string]ParticipantStatus),
	}
	m.participants[m.self.String()] = StatusSelf
	return m
}

// ThreadTime returns the current logical thread time in epoch milliseconds.
func (m *MultiUser) ThreadTime() int64 {
	m.mu.Lock()
	offset := m.threadOffset
	m.mu.Unlock()
	return m.clock.Now().UnixMilli() + offset
}

// Status returns peer's current participant status.
func (m *MultiUser) Status(peer jid.JID) ParticipantStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.participants[peer.Bare().String()]; ok {
		return s
	}
	return StatusUnknown
}

// JoinOrder returns the causal join order observed so far.
func (m *MultiUser) JoinOrder() []jid.JID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]jid.JID(nil), m.joinOrder...)
}

func (m *MultiUser) setStatus(peer jid.JID, s ParticipantStatus) {
	key := peer.Bare().String()
	m.mu.Lock()
	if m.participants[key] == s {
		m.mu.Unlock()
		return
	}
	m.participants[key] = s
	m.mu.Unlock()
	m.emit("participantStatus", ParticipantStatusEvent{Peer: peer.Bare(), Status: s})
}

// ParticipantStatusEvent is the payload of the participantStatus event.
type ParticipantStatusEvent struct {
	Peer   jid.JID
	Status ParticipantStatus
}

// ObserveSender records peer as the sender of a message: active if
// previously added/contacted/online.
func (m *MultiUser) ObserveSender(peer jid.JID) {
	switch m.Status(peer) {
	case StatusAdded, StatusContacted, StatusOnline:
		m.setStatus(peer, StatusActive)
	case StatusUnknown:
		m.setStatus(peer, StatusActive)
	}
}

// ObserveRecipient records peer as a message recipient: contacted if
// previously unknown.
func (m *MultiUser) ObserveRecipient(peer jid.JID) {
	if m.Status(peer) == StatusUnknown {
		m.setStatus(peer, StatusContacted)
	}
}

// HandlePresence applies a roster presence change: available transitions
// to active if previously inactive/offline/contacted; unavailable while
// active transitions to inactive.
func (m *MultiUser) HandlePresence(peer jid.JID, available bool) {
	status := m.Status(peer)
	if available {
		switch status {
		case StatusInactive, StatusOffline, StatusContacted:
			m.setStatus(peer, StatusActive)
		case StatusUnknown:
			m.setStatus(peer, StatusOnline)
		}
		return
	}
	if status == StatusActive {
		m.setStatus(peer, StatusInactive)
	}
}

func (m *MultiUser) applyParticipantAction(p coopfox.Participant, from jid.JID) {
	peer := p.JID
	if peer.IsZero() {
		peer = from
	}
	switch p.Action {
	case coopfox.ActionJoin:
		m.mu.Lock()
		firstJoin := true
		for _, j := range m.joinOrder {
			if j.Equal(peer.Bare()) {
				firstJoin = false
			}
		}
		m.mu.Unlock()
		m.setStatus(peer, StatusActive)
		if firstJoin {
			m.mu.Lock()
			m.joinOrder = append(m.joinOrder, peer.Bare())
			order := append([]jid.JID(nil), m.joinOrder...)
			m.mu.Unlock()
			m.emit("participantJoinOrderChange", order)
		}
	case coopfox.ActionLeave:
		m.setStatus(peer, StatusInactive)
	case coopfox.ActionReject:
		m.setStatus(peer, StatusRejected)
	}
}

// AddParticipant invites peer into the thread. Valid only when peer is
// currently online, rejected, or inactive; sends a targeted
// headline when re-inviting an inactive peer, otherwise a multicast join
// announcement.
func (m *MultiUser) AddParticipant(peer jid.JID) error {
	bare := peer.Bare()
	status := m.Status(bare)
	if status != StatusOnline && status != StatusRejected && status != StatusInactive {
		return ErrInvalidParticipant
	}
	reinvite := status == StatusInactive
	m.setStatus(bare, StatusAdded)

	m.mu.Lock()
	participantNumber := len(m.joinOrder) + 1
	m.mu.Unlock()

	st := stanza.New(stanza.Message)
	st.AppendChild(newThreadElement(m.ID(), ""))
	st.AppendChild(coopfox.NewParticipantEnvelope(m.ThreadTime(), bare, coopfox.ActionJoin, participantNumber, false))

	if reinvite {
		st.SetType("headline")
		st.SetTo(bare)
	} else {
		st.SetType("normal")
		m.addressMulticast(&st)
	}
	return m.sendMessage(st)
}

// addressMulticast resolves the preferred full JID of every active or
// added participant and attaches an XEP-0033 <addresses> header addressed
// to own hostname. If nothing resolves, st is left unaddressed.
func (m *MultiUser) addressMulticast(st *stanza.Stanza) {
	m.mu.Lock()
	snapshot := make(map[string]ParticipantStatus, len(m.participants))
	for key, status := range m.participants {
		snapshot[key] = status
	}
	m.mu.Unlock()

	addrs := xmlutil.New("addresses", ns.Addresses)
	var any bool
	for key, status := range snapshot {
		if status != StatusActive && status != StatusAdded {
			continue
		}
		bare, err := jid.Parse(key)
		if err != nil {
			continue
		}
		full, ok := m.resolve(bare)
		if !ok {
			continue
		}
		addr := xmlutil.New("address", "")
		addr.SetAttr("type", "to")
		addr.SetAttr("jid", full.String())
		addrs.AppendChild(addr)
		any = true
	}
	if !any {
		return
	}
	st.SetTo(m.hostname)
	st.AppendChild(addrs)
}

// ReceiveMessage intercepts the <coopfox> envelope (thread clock
// reconciliation and participant bookkeeping) before delegating to the
// embedded Strict for storage and dispatch.
func (m *MultiUser) ReceiveMessage(st stanza.Stanza) {
	from := st.From().Bare()
	if env := coopfox.Find(st.Element); env != nil {
		if env.Timestamp > 0 {
			m.syncThreadTime(env.Timestamp)
		}
		if env.Participant != nil {
			m.applyParticipantAction(*env.Participant, from)
		}
	} else if !from.IsZero() && !from.EqualBare(m.self) {
		m.ObserveSender(from)
	}
	m.Strict.ReceiveMessage(st)
}

// syncThreadTime reconciles the local thread clock against a peer's
// announced timestamp: the offset only ever increases, and every stored
// message is retimestamped by the same delta to preserve ordering.
// threadOffset and history share the embedded Base's mu, so the whole
// reconciliation runs under one lock acquisition.
func (m *MultiUser) syncThreadTime(ts int64) {
	m.mu.Lock()
	now := m.clock.Now().UnixMilli() + m.threadOffset
	if ts <= now {
		m.mu.Unlock()
		return
	}
	delta := ts - now + 50
	m.threadOffset += delta
	m.shiftAllTimestampsLocked(delta)
	newNow := m.clock.Now().UnixMilli() + m.threadOffset
	m.mu.Unlock()
	m.emit("threadTimeCorrected", ThreadTimeCorrected{Delta: delta, Now: newNow})
}

// importQuiet imports sync-protocol diffs without emitting
// historyRewritten: these imports arrive in bursts during a pull exchange,
// and observers only care once the thread has settled. syncDisabledCount
// counts how many such suppressed imports have occurred, for diagnostics.
func (m *MultiUser) importQuiet(list []stanza.Stanza) {
	m.iqMu.Lock()
	m.syncDisabledCount++
	m.iqMu.Unlock()
	m.importMessages(list, false, true)
}

// IsSyncIdle reports whether the thread is sync-idle: initial sync
// complete, nothing queued, nothing in flight. Observers of
// beforeSyncIdle/syncIdle use this to know when it is safe to emit the
// initial join message.
func (m *MultiUser) IsSyncIdle() bool {
	m.iqMu.Lock()
	defer m.iqMu.Unlock()
	return m.isSyncIdleLocked()
}

// Destroy tears the thread down. With reason "reload" the leave
// announcement is suppressed because the session is being re-created
// locally and any pending sync is aborted immediately. Otherwise, if a
// pull is currently in flight or queued, Destroy blocks until it drains
// (subscribing to syncIdle) before aborting the sync machinery and sending
// a transient, locally unechoed leave/reject announcement — a thread that
// never started syncing (no iqSource ever attached, nothing ever queued)
// has nothing to wait for and proceeds immediately.
func (m *MultiUser) Destroy(reason string) error {
	if reason == "reload" {
		m.abortSync()
		return nil
	}

	if m.hasPendingSync() {
		idleCh := make(chan struct{})
		var once sync.Once
		m.On("syncIdle", func(interface{}) {
			once.Do(func() { close(idleCh) })
		})
		if !m.hasPendingSync() {
			once.Do(func() { close(idleCh) })
		}
		<-idleCh
	}
	m.abortSync()

	action := coopfox.ActionLeave
	if reason == "reject" {
		action = coopfox.ActionReject
	}
	st := stanza.New(stanza.Message)
	st.SetType("headline")
	st.SetAttr("$noEcho", "true")
	st.AppendChild(newThreadElement(m.ID(), ""))
	st.AppendChild(coopfox.NewParticipantEnvelope(m.ThreadTime(), m.self, action, 0, false))
	m.addressMulticast(&st)
	return m.sendMessage(st)
}

// hasPendingSync reports whether a pull is currently in flight or queued.
// Unlike IsSyncIdle, it doesn't require an initial sync to have ever
// completed: a thread that never attached an iqSource has nothing pending
// and is trivially done, rather than permanently "not yet idle".
func (m *MultiUser) hasPendingSync() bool {
	m.iqMu.Lock()
	defer m.iqMu.Unlock()
	return m.syncInProgress || len(m.syncQueue) > 0
}

// abortSync stops both sync timers and drops anything queued, without
// waiting for it to finish: the thread is tearing down regardless.
func (m *MultiUser) abortSync() {
	m.iqMu.Lock()
	if m.syncWatchdogTimer != nil {
		m.syncWatchdogTimer.Stop()
	}
	if m.syncLowFreqTimer != nil {
		m.syncLowFreqTimer.Stop()
	}
	m.syncQueue = nil
	m.syncInProgress = false
	m.iqMu.Unlock()
}
