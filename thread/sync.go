package thread

import (
	"strconv"
	"time"

	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// IQSource is the narrow slice of client.Client a MultiUser thread needs to
// run the history synchronization protocol: sending queries (reusing
// Sender) and observing the iq stanzas the Hub doesn't route, since it only
// dispatches messages.
type IQSource interface {
	Sender
	On(event string, fn func(interface{}))
}

// syncWatchdogDelay and syncLowFreqDelay are the per-pull timeout and the
// low-frequency refresh interval.
const (
	syncWatchdogDelay = 10 * time.Second
	syncLowFreqDelay  = 60 * time.Second
)

// maxCompletePage bounds how many history entries a "complete" sync
// response enumerates in one reply. A responder with more than this many
// stored messages pages the rest out via ordinary fast-forward pulls
// starting from the version it stopped at, instead of growing one reply
// without bound.
const maxCompletePage = 4096

// Sync attaches src as the MultiUser's iq transport, subscribing to
// inbound sync queries. It is separate from NewMultiUser so tests can
// construct a MultiUser without a live iq source.
func (m *MultiUser) Sync(src IQSource) {
	m.iqMu.Lock()
	m.iqSource = src
	m.iqMu.Unlock()
	src.On("iq", func(payload interface{}) {
		if st, ok := payload.(stanza.Stanza); ok {
			m.handleIncomingIQ(st)
		}
	})
}

// RequestSync enqueues a pull against peer, starting it immediately if no
// other pull is in flight.
func (m *MultiUser) RequestSync(peer jid.JID) {
	m.iqMu.Lock()
	m.syncQueue = append(m.syncQueue, peer)
	m.iqMu.Unlock()
	m.maybeStartNextPull()
}

func (m *MultiUser) maybeStartNextPull() {
	m.iqMu.Lock()
	if m.syncInProgress || len(m.syncQueue) == 0 || m.iqSource == nil {
		m.iqMu.Unlock()
		return
	}
	peer := m.syncQueue[0]
	m.syncQueue = m.syncQueue[1:]
	m.syncInProgress = true
	m.iqMu.Unlock()
	m.sendPull(peer, "fast-forward")
}

func (m *MultiUser) buildSyncQuery(mode, version string) stanza.Stanza {
	iq := stanza.New(stanza.IQ)
	q := xmlutil.New("query", ns.CoopFoxSync)
	q.SetAttr("thread", m.ID())
	q.SetAttr("mode", mode)
	if version != "" {
		q.SetAttr("version", version)
	}
	q.SetAttr("timestamp", strconv.FormatInt(m.ThreadTime(), 10))
	iq.AppendChild(q)
	return iq
}

func (m *MultiUser) sendPull(peer jid.JID, mode string) {
	req := m.buildSyncQuery(mode, m.latestVersion())
	req.SetTo(peer)
	req.SetType("get")
	m.armWatchdog()

	cb := stanza.NewCallback(req, m.clock.Now(), func(resp stanza.Stanza) {
		m.stopWatchdog()
		m.handlePullResponse(peer, mode, resp)
	}, func(stanza.Stanza) {
		m.stopWatchdog()
		m.setStatus(peer, StatusInactive) // a failed pull marks the peer inactive
		m.finishPull()
	})

	m.iqMu.Lock()
	src := m.iqSource
	m.iqMu.Unlock()
	if src == nil {
		m.stopWatchdog()
		m.finishPull()
		return
	}
	if err := src.Send(req, cb); err != nil {
		m.stopWatchdog()
		m.finishPull()
	}
}

func (m *MultiUser) handlePullResponse(peer jid.JID, mode string, resp stanza.Stanza) {
	q := resp.ChildNS("query", ns.CoopFoxSync)
	if q == nil {
		m.finishPull()
		return
	}
	if ts, err := strconv.ParseInt(q.AttrOr("timestamp", ""), 10, 64); err == nil {
		m.syncThreadTime(ts)
	}
	responderVersion := q.AttrOr("version", "")
	diff := q.Child("diff")

	if responderVersion != "" && responderVersion == m.latestVersion() {
		m.finishPull()
		return
	}
	if diff != nil {
		m.importQuiet(diffMessages(diff))
		if m.latestVersion() != responderVersion {
			switch mode {
			case "fast-forward":
				m.sendPull(peer, "complete")
				return
			case "complete":
				// The responder paged its reply (maxCompletePage); resume
				// with an ordinary fast-forward from where it stopped
				// rather than re-requesting the whole history again.
				m.sendPull(peer, "fast-forward")
				return
			}
		}
		m.finishPull()
		return
	}
	if mode == "fast-forward" {
		m.sendPull(peer, "complete")
		return
	}
	m.finishPull()
}

func (m *MultiUser) finishPull() {
	m.iqMu.Lock()
	m.syncInProgress = false
	m.initialSyncDone = true
	idle := m.isSyncIdleLocked()
	m.iqMu.Unlock()

	if idle {
		m.emit("beforeSyncIdle", nil)
		m.emit("syncIdle", nil)
	}
	m.armLowFreqRefresh()
	m.maybeStartNextPull()
}

// isSyncIdleLocked is isSyncIdle for callers already holding iqMu.
func (m *MultiUser) isSyncIdleLocked() bool {
	return m.initialSyncDone && len(m.syncQueue) == 0 && !m.syncInProgress
}

// armWatchdog starts the per-pull timer. If it fires before stopWatchdog
// cancels it, the pull is abandoned and the queue released.
func (m *MultiUser) armWatchdog() {
	m.iqMu.Lock()
	if m.syncWatchdogTimer != nil {
		m.syncWatchdogTimer.Stop()
	}
	t := m.clock.NewTimer(syncWatchdogDelay)
	m.syncWatchdogTimer = t
	m.iqMu.Unlock()
	go func() {
		if _, ok := <-t.C(); ok {
			m.iqMu.Lock()
			current := m.syncWatchdogTimer == t
			if current {
				m.syncWatchdogTimer = nil
			}
			m.iqMu.Unlock()
			if current {
				m.finishPull()
			}
		}
	}()
}

func (m *MultiUser) stopWatchdog() {
	m.iqMu.Lock()
	if m.syncWatchdogTimer != nil {
		m.syncWatchdogTimer.Stop()
		m.syncWatchdogTimer = nil
	}
	m.iqMu.Unlock()
}

func (m *MultiUser) armLowFreqRefresh() {
	m.iqMu.Lock()
	if m.syncLowFreqTimer != nil {
		m.syncLowFreqTimer.Stop()
	}
	t := m.clock.NewTimer(syncLowFreqDelay)
	m.syncLowFreqTimer = t
	m.iqMu.Unlock()
	go func() {
		if _, ok := <-t.C(); ok {
			m.refreshActivePeers()
		}
	}()
}

// PushTo sends peer everything newer than sinceVersion without waiting for
// a pull request. The responder imports the diff and queues a reverse pull
// if it doesn't recognize our announced version.
func (m *MultiUser) PushTo(peer jid.JID, sinceVersion string) error {
	m.iqMu.Lock()
	src := m.iqSource
	m.iqMu.Unlock()
	if src == nil {
		return nil
	}
	req := m.buildSyncQuery("fast-forward", m.latestVersion())
	req.SetTo(peer)
	req.SetType("set")
	if msgs := m.getMessages(sinceVersion); len(msgs) > 0 {
		req.Child("query").AppendChild(diffElement(msgs))
	}
	return src.Send(req, nil)
}

// refreshActivePeers re-queues a pull against every active participant, on
// the low-frequency refresh timer.
func (m *MultiUser) refreshActivePeers() {
	m.mu.Lock()
	peers := make([]jid.JID, 0, len(m.participants))
	for key, status := range m.participants {
		if status != StatusActive {
			continue
		}
		if bare, err := jid.Parse(key); err == nil {
			peers = append(peers, bare)
		}
	}
	m.mu.Unlock()
	for _, p := range peers {
		m.RequestSync(p)
	}
}

// handleIncomingIQ answers a peer's sync query (pull or push) addressed to
// this thread.
func (m *MultiUser) handleIncomingIQ(st stanza.Stanza) {
	q := st.ChildNS("query", ns.CoopFoxSync)
	if q == nil || q.AttrOr("thread", "") != m.ID() {
		return
	}
	if ts, err := strconv.ParseInt(q.AttrOr("timestamp", ""), 10, 64); err == nil {
		m.syncThreadTime(ts)
	}

	if diff := q.Child("diff"); diff != nil {
		m.importQuiet(diffMessages(diff))
	}

	mode := q.AttrOr("mode", "fast-forward")
	offeredVersion := q.AttrOr("version", "")

	resp := stanza.New(stanza.IQ)
	resp.SetID(st.ID())
	resp.SetTo(st.From())
	resp.SetType("result")
	rq := xmlutil.New("query", ns.CoopFoxSync)
	rq.SetAttr("thread", m.ID())
	rq.SetAttr("timestamp", strconv.FormatInt(m.ThreadTime(), 10))

	switch mode {
	case "complete":
		msgs, lastVersion, _ := m.getMessagesCapped("", maxCompletePage)
		rq.SetAttr("version", lastVersion)
		rq.AppendChild(diffElement(msgs))
	default: // fast-forward
		if m.hasVersion(offeredVersion) {
			rq.SetAttr("version", m.latestVersion())
			rq.AppendChild(diffElement(m.getMessages(offeredVersion)))
		} else {
			rq.SetAttr("version", m.latestVersion())
		}
	}
	resp.AppendChild(rq)

	m.iqMu.Lock()
	src := m.iqSource
	m.iqMu.Unlock()
	if src != nil {
		_ = src.Send(resp, nil)
	}

	if st.Type() == "set" && offeredVersion != "" && offeredVersion != m.latestVersion() {
		// Unsolicited push whose version we don't recognize: queue a
		// reverse pull.
		if from := st.From(); !from.IsZero() {
			m.RequestSync(from.Bare())
		}
	}
}

func diffElement(msgs []stanza.Stanza) *xmlutil.Element {
	diff := xmlutil.New("diff", "")
	for _, msg := range msgs {
		diff.AppendChild(msg.Element)
	}
	return diff
}

func diffMessages(diff *xmlutil.Element) []stanza.Stanza {
	out := make([]stanza.Stanza, 0, len(diff.Children))
	for _, el := range diff.ChildrenNamed("message") {
		if st, err := stanza.FromElement(el); err == nil {
			out = append(out, st)
		}
	}
	return out
}
